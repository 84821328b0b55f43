package vidup

import "errors"

var (
	// ErrNegotiation means the session handshake failed or the server
	// returned no session endpoint. Negotiation is a single attempt and
	// is never retried internally.
	ErrNegotiation = errors.New("session negotiation failed")

	// ErrProtocol means the server replied with something the resumable
	// upload protocol does not allow at that point.
	ErrProtocol = errors.New("upload protocol error")

	// ErrRejected means the server refused a chunk with a client error.
	// Resending the same chunk will not succeed, so it is never retried.
	ErrRejected = errors.New("upload rejected by server")

	// ErrTransient marks a failure worth retrying: timeout, connection
	// reset, or a 5xx response.
	ErrTransient = errors.New("transient transfer error")

	ErrRetriesExceeded  = errors.New("chunk retries exceeded")
	ErrCancelled        = errors.New("upload cancelled")
	ErrOffsetsNotSynced = errors.New("client and server offsets are not synced")

	// ErrSimulation is produced only by Simulator failure injection,
	// never by a transfer against a real remote.
	ErrSimulation = errors.New("simulated transfer error")
)
