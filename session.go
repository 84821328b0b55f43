// Package vidup is a client-side engine for transferring large media files to
// a remote platform over an HTTP resumable upload protocol: one negotiation
// request to obtain a session endpoint, then the payload in ordered
// Content-Range framed chunks with bounded retry, live progress reporting and
// cooperative cancellation.
package vidup

import (
	"sync"
	"time"
)

// Status is the lifecycle state of an upload session. Transitions are
// monotonic: Pending -> Negotiating -> Transferring -> one of the terminal
// states, and a session never leaves a terminal state.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusNegotiating  Status = "NEGOTIATING"
	StatusTransferring Status = "TRANSFERRING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
)

var statusRank = map[Status]int{
	StatusPending:      0,
	StatusNegotiating:  1,
	StatusTransferring: 2,
	StatusCompleted:    3,
	StatusFailed:       3,
	StatusCancelled:    3,
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Metadata is an opaque description of the resource being uploaded. The
// engine passes it to the remote platform verbatim and never interprets it.
type Metadata map[string]any

// UploadResult is the payload the platform returns once it has accepted the
// final byte of an upload.
type UploadResult struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// UploadSession is one logical upload tracked by a Registry. Exactly one
// transfer drives a session at a time; everyone else observes it through
// Snapshot and may only request cancellation.
type UploadSession struct {
	mu sync.Mutex

	id               string
	metadata         Metadata
	totalBytes       int64
	bytesTransferred int64
	endpoint         string
	status           Status
	cancelRequested  bool
	startedAt        time.Time
	lastProgressAt   time.Time
	err              error
	result           *UploadResult
}

func newSession(id string, meta Metadata, totalBytes int64) *UploadSession {
	now := time.Now()
	return &UploadSession{
		id:             id,
		metadata:       meta,
		totalBytes:     totalBytes,
		status:         StatusPending,
		startedAt:      now,
		lastProgressAt: now,
	}
}

// SessionSnapshot is an immutable view of a session, safe to hand to any
// goroutine.
type SessionSnapshot struct {
	ID               string        `json:"id"`
	TotalBytes       int64         `json:"total_bytes"`
	BytesTransferred int64         `json:"bytes_transferred"`
	Endpoint         string        `json:"endpoint,omitempty"`
	Status           Status        `json:"status"`
	StartedAt        time.Time     `json:"started_at"`
	LastProgressAt   time.Time     `json:"last_progress_at"`
	Error            string        `json:"error,omitempty"`
	Result           *UploadResult `json:"result,omitempty"`
}

func (s *UploadSession) ID() string { return s.id }

// Metadata returns the opaque resource description the session was created
// with.
func (s *UploadSession) Metadata() Metadata { return s.metadata }

// Snapshot returns a consistent copy of the session's observable state.
func (s *UploadSession) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := SessionSnapshot{
		ID:               s.id,
		TotalBytes:       s.totalBytes,
		BytesTransferred: s.bytesTransferred,
		Endpoint:         s.endpoint,
		Status:           s.status,
		StartedAt:        s.startedAt,
		LastProgressAt:   s.lastProgressAt,
		Result:           s.result,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// RequestCancel sets the cooperative cancellation flag. It reports whether
// the flag was set, which it is not for a session already in a terminal
// state. The running transfer observes the flag between units of work; an
// in-flight chunk request is never interrupted.
func (s *UploadSession) RequestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.cancelRequested = true
	return true
}

func (s *UploadSession) cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

// advance moves bytesTransferred forward to off. The counter never moves
// backwards and never exceeds the declared total.
func (s *UploadSession) advance(off int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off < s.bytesTransferred || off > s.totalBytes {
		return
	}
	s.bytesTransferred = off
	s.lastProgressAt = time.Now()
}

func (s *UploadSession) offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesTransferred
}

func (s *UploadSession) total() int64 { return s.totalBytes }

func (s *UploadSession) setEndpoint(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint == "" {
		s.endpoint = endpoint
	}
}

func (s *UploadSession) endpointURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// transition advances the status and reports whether the edge was legal.
// Backward edges and edges out of a terminal state are refused.
func (s *UploadSession) transition(next Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() || statusRank[next] <= statusRank[s.status] {
		return false
	}
	s.status = next
	s.lastProgressAt = time.Now()
	return true
}

func (s *UploadSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = StatusFailed
	s.err = err
	s.lastProgressAt = time.Now()
}

func (s *UploadSession) markCancelled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = StatusCancelled
	s.lastProgressAt = time.Now()
}

func (s *UploadSession) complete(result *UploadResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = StatusCompleted
	s.result = result
	s.lastProgressAt = time.Now()
}

func (s *UploadSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProgressAt
}
