package vidup

import "time"

// Progress is a point-in-time view of a running upload, delivered to the
// caller-supplied sink.
type Progress struct {
	UploadID         string  `json:"upload_id"`
	Status           Status  `json:"status"`
	Percent          float64 `json:"percent"`
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	ChunkIndex       int     `json:"chunk_index"`
	TotalChunks      int     `json:"total_chunks"`
	SpeedBps         float64 `json:"speed_bytes_per_sec"`
	// ETASeconds is zero when the speed is still zero.
	ETASeconds float64 `json:"eta_seconds,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// ProgressFunc receives progress events. It is called from the goroutine
// driving the upload, so it must not block for long; slow consumers should
// be decoupled with their own buffering.
type ProgressFunc func(Progress)

// Reporter derives progress snapshots from a session and pushes them to a
// sink. It holds no state of its own; throttling of event delivery is the
// transfer loop's concern.
type Reporter struct {
	Sink ProgressFunc
}

// Report computes a snapshot of s as of now and delivers it. A nil sink
// makes it a no-op.
func (r Reporter) Report(s *UploadSession, chunkIndex, totalChunks int) {
	if r.Sink == nil {
		return
	}
	r.Sink(makeProgress(s.Snapshot(), chunkIndex, totalChunks, time.Now()))
}

func makeProgress(snap SessionSnapshot, chunkIndex, totalChunks int, now time.Time) Progress {
	p := Progress{
		UploadID:         snap.ID,
		Status:           snap.Status,
		BytesTransferred: snap.BytesTransferred,
		TotalBytes:       snap.TotalBytes,
		ChunkIndex:       chunkIndex,
		TotalChunks:      totalChunks,
		Error:            snap.Error,
	}
	if snap.TotalBytes > 0 {
		p.Percent = float64(snap.BytesTransferred) / float64(snap.TotalBytes) * 100
	}
	elapsed := now.Sub(snap.StartedAt).Seconds()
	if elapsed > 0 && snap.BytesTransferred > 0 {
		p.SpeedBps = float64(snap.BytesTransferred) / elapsed
	}
	if p.SpeedBps > 0 {
		p.ETASeconds = float64(snap.TotalBytes-snap.BytesTransferred) / p.SpeedBps
	}
	return p
}
