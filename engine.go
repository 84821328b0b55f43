package vidup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultChunkSize is the fixed window size the payload is split into.
	DefaultChunkSize = 10 * 1024 * 1024

	// DefaultBaseDelay is the backoff unit between chunk retries: retry i
	// waits i * base.
	DefaultBaseDelay = 2 * time.Second

	// DefaultMaxRetries bounds retries of a single chunk. Exhausting them
	// fails the whole session.
	DefaultMaxRetries = 3

	// DefaultRequestTimeout bounds a single chunk PUT. Cancellation is
	// cooperative and never interrupts a request already sent, so this is
	// also the longest a cancel can take to be observed.
	DefaultRequestTimeout = 5 * time.Minute
)

// Engine drives the chunk-by-chunk transfer of a negotiated session: it
// splits the source into fixed-size windows, PUTs each window with
// Content-Range framing, retries transient failures with linear backoff and
// checks the session's cancellation flag between every unit of work.
//
// Chunks are strictly sequential. The protocol is range-addressed against a
// single contiguous server-side offset, so chunk N+1 is never sent before
// chunk N is acknowledged.
type Engine struct {
	Client         *Client
	ChunkSize      int64
	BaseDelay      time.Duration
	MaxRetries     int
	RequestTimeout time.Duration

	// Reporter receives a snapshot before every chunk and on every
	// terminal state. ReportInterval > 0 drops intermediate snapshots
	// closer together than the interval; terminal ones always go out.
	Reporter       Reporter
	ReportInterval time.Duration
}

// NewEngine creates an Engine with the default chunk size, retry policy and
// timeouts. sink may be nil.
func NewEngine(client *Client, sink ProgressFunc) *Engine {
	return &Engine{
		Client:         client,
		ChunkSize:      DefaultChunkSize,
		BaseDelay:      DefaultBaseDelay,
		MaxRetries:     DefaultMaxRetries,
		RequestTimeout: DefaultRequestTimeout,
		Reporter:       Reporter{Sink: sink},
	}
}

// Outcome of a single chunk attempt. The retry decision is an explicit
// switch on this kind, not error-type inspection.
type attemptKind int

const (
	attemptAccepted attemptKind = iota // resume-incomplete, continue with next chunk
	attemptDone                        // server reported the whole upload complete
	attemptTransient
	attemptFatal
)

type attemptResult struct {
	kind   attemptKind
	next   int64
	result *UploadResult
	err    error
}

// Transfer consumes a session already in StatusTransferring with a known
// endpoint and drives it to a terminal state, reading src sequentially. src
// must be positioned at the session's current offset. The terminal state,
// error and result are recorded on the session; the returned error is the
// same one for callers that run the engine synchronously.
func (e *Engine) Transfer(ctx context.Context, s *UploadSession, src io.Reader) error {
	endpoint := s.endpointURL()
	if endpoint == "" {
		err := fmt.Errorf("session %s has no upload endpoint: %w", s.ID(), ErrProtocol)
		s.fail(err)
		return err
	}

	chunkSize := e.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	total := s.total()
	totalChunks := chunkCount(total, chunkSize)
	offset := s.offset()

	if offset > 0 {
		// Resuming: reconcile our offset with what the server actually
		// holds before sending anything.
		remote, err := e.ReconcileOffset(ctx, s)
		if err != nil {
			s.fail(err)
			e.Reporter.Report(s, int(offset/chunkSize), totalChunks)
			return err
		}
		if remote != offset {
			err = fmt.Errorf("server holds %d bytes, session expects %d: %w", remote, offset, ErrOffsetsNotSynced)
			s.fail(err)
			e.Reporter.Report(s, int(offset/chunkSize), totalChunks)
			return err
		}
	}

	buf := bytes.NewBuffer(make([]byte, 0, chunkSize))
	var lastEmit time.Time

	for offset < total {
		index := int(offset / chunkSize)
		if s.cancelled() || ctx.Err() != nil {
			s.markCancelled()
			e.Reporter.Report(s, index, totalChunks)
			return ErrCancelled
		}
		if e.ReportInterval <= 0 || time.Since(lastEmit) >= e.ReportInterval {
			e.Reporter.Report(s, index, totalChunks)
			lastEmit = time.Now()
		}

		start, end := chunkRange(index, chunkSize, total)
		size := end - start + 1

		buf.Reset()
		if n, err := io.CopyN(buf, src, size); err != nil {
			if err == io.EOF {
				err = fmt.Errorf("source ended at byte %d of %d: %w", start+n, total, io.ErrUnexpectedEOF)
			}
			s.fail(err)
			e.Reporter.Report(s, index, totalChunks)
			return err
		}

		res := e.sendChunk(ctx, s, endpoint, buf.Bytes(), start, end, total)
		switch res.kind {
		case attemptAccepted:
			// Advance only on server acknowledgement, never optimistically.
			s.advance(res.next)
			offset = res.next
		case attemptDone:
			// The remote is authoritative: stop even if this was not the
			// last chunk boundary.
			s.advance(res.next)
			s.complete(res.result)
			e.Reporter.Report(s, totalChunks, totalChunks)
			return nil
		case attemptFatal:
			s.fail(res.err)
			e.Reporter.Report(s, index, totalChunks)
			return res.err
		case attemptTransient:
			if errors.Is(res.err, ErrCancelled) {
				s.markCancelled()
				e.Reporter.Report(s, index, totalChunks)
				return ErrCancelled
			}
			err := fmt.Errorf("chunk %d/%d (bytes %d-%d): %w", index+1, totalChunks, start, end, errors.Join(ErrRetriesExceeded, res.err))
			s.fail(err)
			e.Reporter.Report(s, index, totalChunks)
			return err
		}
	}

	// All bytes were acknowledged with resume-incomplete responses but the
	// server never reported completion.
	err := fmt.Errorf("all %d bytes acknowledged but upload never finalized: %w", total, ErrProtocol)
	s.fail(err)
	e.Reporter.Report(s, totalChunks, totalChunks)
	return err
}

// sendChunk PUTs one window, retrying transient failures up to MaxRetries
// times with linear backoff. The cancellation flag is rechecked before every
// retry attempt.
func (e *Engine) sendChunk(ctx context.Context, s *UploadSession, endpoint string, data []byte, start, end, total int64) attemptResult {
	maxRetries := e.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := e.BaseDelay
	if baseDelay < 0 {
		baseDelay = 0
	}

	var res attemptResult
	for attempt := 0; ; attempt++ {
		res = e.putChunk(ctx, endpoint, data, start, end, total)
		if res.kind != attemptTransient || attempt >= maxRetries {
			return res
		}
		if err := e.backoff(ctx, s, baseDelay*time.Duration(attempt+1)); err != nil {
			return attemptResult{kind: attemptTransient, err: err}
		}
	}
}

func (e *Engine) putChunk(ctx context.Context, endpoint string, data []byte, start, end, total int64) attemptResult {
	timeout := e.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequest(http.MethodPut, endpoint, bytes.NewReader(data))
	if err != nil {
		return attemptResult{kind: attemptFatal, err: err}
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))

	response, err := e.Client.do(rctx, req)
	if err != nil {
		// Connection resets and timeouts are worth another try.
		return attemptResult{kind: attemptTransient, err: fmt.Errorf("chunk request: %w: %w", ErrTransient, err)}
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusPermanentRedirect:
		// 308 resume-incomplete: chunk accepted, upload not finished.
		return attemptResult{kind: attemptAccepted, next: end + 1}
	case response.StatusCode == http.StatusOK || response.StatusCode == http.StatusCreated:
		result, err := decodeResult(response.Body)
		if err != nil {
			return attemptResult{kind: attemptFatal, err: fmt.Errorf("final response payload: %w", err)}
		}
		return attemptResult{kind: attemptDone, next: end + 1, result: result}
	case response.StatusCode >= 500:
		return attemptResult{kind: attemptTransient, err: fmt.Errorf("server returned HTTP %d code: %w", response.StatusCode, ErrTransient)}
	case response.StatusCode >= 400:
		return attemptResult{kind: attemptFatal, err: fmt.Errorf("server returned HTTP %d code: %w", response.StatusCode, ErrRejected)}
	default:
		return attemptResult{kind: attemptFatal, err: fmt.Errorf("server returned unexpected HTTP %d code: %w", response.StatusCode, ErrProtocol)}
	}
}

// backoff sleeps for d, returning early with ErrCancelled when the context
// is done or the session's cancellation flag gets set.
func (e *Engine) backoff(ctx context.Context, s *UploadSession, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ErrCancelled
	case <-t.C:
	}
	if s.cancelled() {
		return ErrCancelled
	}
	return nil
}

// ReconcileOffset asks the server how many bytes of the upload it has
// already received, using a zero-length PUT with a wildcard content range.
// It returns the next offset the server expects.
func (e *Engine) ReconcileOffset(ctx context.Context, s *UploadSession) (int64, error) {
	endpoint := s.endpointURL()
	if endpoint == "" {
		return 0, fmt.Errorf("session %s has no upload endpoint: %w", s.ID(), ErrProtocol)
	}
	req, err := http.NewRequest(http.MethodPut, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.ContentLength = 0
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", s.total()))

	response, err := e.Client.do(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("offset probe: %w", err)
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusPermanentRedirect:
		return parseRangeEnd(response.Header.Get("Range"))
	case http.StatusOK, http.StatusCreated:
		return s.total(), nil
	default:
		return 0, fmt.Errorf("offset probe got HTTP %d code: %w", response.StatusCode, ErrProtocol)
	}
}

// parseRangeEnd extracts the next expected offset from a "bytes=0-N" Range
// header. An absent header means the server holds nothing yet.
func parseRangeEnd(header string) (int64, error) {
	if header == "" {
		return 0, nil
	}
	_, last, found := strings.Cut(header, "-")
	if !found {
		return 0, fmt.Errorf("malformed Range header %q: %w", header, ErrProtocol)
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed Range header %q: %w", header, ErrProtocol)
	}
	return end + 1, nil
}

func decodeResult(r io.Reader) (*UploadResult, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	result := &UploadResult{}
	if len(bytes.TrimSpace(body)) == 0 {
		return result, nil
	}
	if err = json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return result, nil
}

// chunkCount is the number of fixed-size windows needed for total bytes.
func chunkCount(total, chunkSize int64) int {
	return int((total + chunkSize - 1) / chunkSize)
}

// chunkRange returns the inclusive byte range of chunk index, the final
// chunk clamped to total-1.
func chunkRange(index int, chunkSize, total int64) (start, end int64) {
	start = int64(index) * chunkSize
	end = start + chunkSize - 1
	if end > total-1 {
		end = total - 1
	}
	return start, end
}
