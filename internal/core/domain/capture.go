package domain

import "time"

// Strategy is one of the concrete techniques for turning a local media
// source into a transmittable stream. The set is closed: selection picks
// from these three, in capability order.
type Strategy string

const (
	StrategyNative   Strategy = "native"   // direct live-track capture from the source
	StrategyCanvas   Strategy = "canvas"   // frame-copy loop onto a synthesized track
	StrategyRecorder Strategy = "recorder" // chunked encode, delivery via chunk sink
)

// CaptureConfig carries the capture tunables preserved across strategy
// fallback attempts.
type CaptureConfig struct {
	FrameRate    int
	AudioBitrate int
	VideoBitrate int
	Timeslice    time.Duration
}

// CaptureStats is the running statistics of an active recorder session.
type CaptureStats struct {
	StartedAt       time.Time
	Elapsed         time.Duration
	ChunkCount      int64
	TotalBytes      int64
	AverageBitrate  float64 // bits/s from running totals
	CurrentBitrate  float64 // bits/s from the delta against the previous chunk
	LastChunkAt     time.Time
}

// MediaChunk is one immutable timestamped unit of recorded media. The
// payload is handed to the sink exactly once and never buffered beyond
// the one chunk in flight.
type MediaChunk struct {
	Payload     []byte
	TimestampMS int64 // monotonic capture timestamp, milliseconds
}
