package vidup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTerminalGrace is how long a finished session stays queryable
	// before the registry drops it.
	DefaultTerminalGrace = 2 * time.Minute

	// DefaultMaxIdle evicts sessions with no progress update for this
	// long, regardless of status, to bound memory.
	DefaultMaxIdle = 30 * time.Minute
)

// Runner abstracts the negotiate-then-transfer pair driving one upload, so
// that a simulated implementation can stand in for the network one without
// any production code branching on a test flag.
type Runner interface {
	// Negotiate obtains the session endpoint for s.
	Negotiate(ctx context.Context, s *UploadSession) (string, error)
	// Transfer drives s from StatusTransferring to a terminal state,
	// recording the outcome on the session.
	Transfer(ctx context.Context, s *UploadSession, src io.Reader) error
	// Chunks is the number of windows the runner will split totalBytes
	// into.
	Chunks(totalBytes int64) int
}

// HTTPRunner is the production Runner: negotiation through Client, transfer
// through Engine.
type HTTPRunner struct {
	Client *Client
	Engine *Engine
}

func (r HTTPRunner) Negotiate(ctx context.Context, s *UploadSession) (string, error) {
	return r.Client.NegotiateSession(ctx, s.Metadata(), s.total())
}

func (r HTTPRunner) Transfer(ctx context.Context, s *UploadSession, src io.Reader) error {
	return r.Engine.Transfer(ctx, s, src)
}

func (r HTTPRunner) Chunks(totalBytes int64) int {
	chunkSize := r.Engine.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return chunkCount(totalBytes, chunkSize)
}

// Registry is the process-wide table of in-flight upload sessions. Each
// started upload runs on its own goroutine; the map is the only state
// shared across sessions and its lock is never held across network I/O.
type Registry struct {
	// TerminalGrace and MaxIdle may be adjusted before the first Start.
	TerminalGrace time.Duration
	MaxIdle       time.Duration

	runner   Runner
	reporter Reporter

	mu       sync.Mutex
	sessions map[string]*UploadSession
}

// NewRegistry creates a Registry dispatching uploads to runner and progress
// events to sink (which may be nil).
func NewRegistry(runner Runner, sink ProgressFunc) *Registry {
	return &Registry{
		TerminalGrace: DefaultTerminalGrace,
		MaxIdle:       DefaultMaxIdle,
		runner:        runner,
		reporter:      Reporter{Sink: sink},
		sessions:      make(map[string]*UploadSession),
	}
}

// Start creates a session for the given source and begins driving it
// asynchronously, returning the upload ID immediately. src is read
// sequentially and exclusively by this upload; no two uploads may share a
// source.
func (r *Registry) Start(ctx context.Context, meta Metadata, totalBytes int64, src io.Reader) (string, error) {
	if totalBytes <= 0 {
		return "", fmt.Errorf("total size must be positive, got %d", totalBytes)
	}
	s := newSession(uuid.NewString(), meta, totalBytes)

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	go r.run(ctx, s, src)
	return s.ID(), nil
}

// Cancel requests cooperative cancellation of an upload. It reports whether
// a session with that ID was found; the transfer observes the flag between
// chunks and before retries, so an in-flight chunk request runs to its own
// timeout first.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.RequestCancel()
	return true
}

// CancelAll requests cancellation of every tracked session and returns how
// many non-terminal sessions were affected.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	all := make([]*UploadSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	count := 0
	for _, s := range all {
		if s.RequestCancel() {
			count++
		}
	}
	return count
}

// Status returns a snapshot of the session, or false if it is unknown or
// already evicted.
func (r *Registry) Status(id string) (SessionSnapshot, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return SessionSnapshot{}, false
	}
	return s.Snapshot(), true
}

// List returns snapshots of all tracked sessions.
func (r *Registry) List() []SessionSnapshot {
	r.mu.Lock()
	all := make([]*UploadSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	snaps := make([]SessionSnapshot, 0, len(all))
	for _, s := range all {
		snaps = append(snaps, s.Snapshot())
	}
	return snaps
}

// EvictStale removes sessions that have seen no progress update for longer
// than maxIdle, regardless of status, and returns how many were removed.
func (r *Registry) EvictStale(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for id, s := range r.sessions {
		if s.idleSince().Before(cutoff) {
			delete(r.sessions, id)
			count++
		}
	}
	return count
}

// EvictLoop periodically applies EvictStale with the registry's MaxIdle TTL
// until ctx is done. Run it on its own goroutine.
func (r *Registry) EvictLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.EvictStale(r.MaxIdle)
		}
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// run drives one session end to end on its own goroutine. All failures are
// recorded on the session record; callers observe them through Status and
// progress events only.
func (r *Registry) run(ctx context.Context, s *UploadSession, src io.Reader) {
	defer r.retire(s)

	totalChunks := r.runner.Chunks(s.total())

	if s.cancelled() || ctx.Err() != nil {
		s.markCancelled()
		r.reporter.Report(s, 0, totalChunks)
		return
	}

	s.transition(StatusNegotiating)
	endpoint, err := r.runner.Negotiate(ctx, s)
	if err != nil {
		if errors.Is(err, ErrCancelled) || s.cancelled() {
			s.markCancelled()
		} else {
			s.fail(err)
		}
		r.reporter.Report(s, 0, totalChunks)
		return
	}
	s.setEndpoint(endpoint)

	s.transition(StatusTransferring)
	// The runner records the terminal state and emits its own events.
	_ = r.runner.Transfer(ctx, s, src)
}

// retire drops the session after the terminal grace period, so late status
// queries still see the final result for a while.
func (r *Registry) retire(s *UploadSession) {
	grace := r.TerminalGrace
	if grace <= 0 {
		r.remove(s.ID())
		return
	}
	time.AfterFunc(grace, func() { r.remove(s.ID()) })
}
