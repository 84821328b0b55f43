package vidup

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Simulator is a drop-in Runner that reproduces the negotiate-and-transfer
// event sequence without any network I/O: it walks the same chunk windows,
// sleeps a fixed delay per chunk and terminates with a synthetic result.
// Used to exercise progress consumers and cancellation handling without
// touching the platform or spending quota.
type Simulator struct {
	ChunkSize  int64
	ChunkDelay time.Duration

	// FailAtChunk > 0 injects an ErrSimulation failure before that chunk
	// (1-based), for exercising failure paths downstream.
	FailAtChunk int

	// Sink receives a snapshot after every simulated chunk; the final
	// chunk's snapshot carries the terminal status.
	Sink ProgressFunc
}

// NewSimulator creates a Simulator with the default chunk size and a small
// per-chunk delay.
func NewSimulator(sink ProgressFunc) *Simulator {
	return &Simulator{
		ChunkSize:  DefaultChunkSize,
		ChunkDelay: 10 * time.Millisecond,
		Sink:       sink,
	}
}

func (sim *Simulator) Negotiate(_ context.Context, s *UploadSession) (string, error) {
	return "simulated://" + s.ID(), nil
}

func (sim *Simulator) Chunks(totalBytes int64) int {
	return chunkCount(totalBytes, sim.windowSize())
}

// Transfer walks the chunk windows of s, advancing the session as a real
// transfer would. src, when non-nil, is consumed chunk by chunk so callers
// see the same read pattern as with the network engine.
func (sim *Simulator) Transfer(ctx context.Context, s *UploadSession, src io.Reader) error {
	chunkSize := sim.windowSize()
	total := s.total()
	totalChunks := chunkCount(total, chunkSize)
	reporter := Reporter{Sink: sim.Sink}

	offset := s.offset()
	for offset < total {
		index := int(offset / chunkSize)
		if s.cancelled() || ctx.Err() != nil {
			s.markCancelled()
			reporter.Report(s, index, totalChunks)
			return ErrCancelled
		}
		if sim.FailAtChunk > 0 && index+1 == sim.FailAtChunk {
			err := fmt.Errorf("injected failure at chunk %d/%d: %w", index+1, totalChunks, ErrSimulation)
			s.fail(err)
			reporter.Report(s, index, totalChunks)
			return err
		}

		if sim.ChunkDelay > 0 {
			t := time.NewTimer(sim.ChunkDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				s.markCancelled()
				reporter.Report(s, index, totalChunks)
				return ErrCancelled
			case <-t.C:
			}
		}

		_, end := chunkRange(index, chunkSize, total)
		if src != nil {
			if _, err := io.CopyN(io.Discard, src, end+1-offset); err != nil && err != io.EOF {
				s.fail(err)
				reporter.Report(s, index, totalChunks)
				return err
			}
		}
		s.advance(end + 1)
		offset = end + 1

		if offset == total {
			s.complete(&UploadResult{ID: "sim-" + s.ID(), URL: "simulated://" + s.ID()})
		}
		reporter.Report(s, index+1, totalChunks)
	}
	return nil
}

func (sim *Simulator) windowSize() int64 {
	if sim.ChunkSize > 0 {
		return sim.ChunkSize
	}
	return DefaultChunkSize
}
