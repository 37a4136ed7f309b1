package ports

import (
	"meshlink/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// MediaSource is any local element capable of producing live audio/video.
// Capability probing is done by interface assertion against the optional
// interfaces below; probing is read-only and non-destructive.
type MediaSource interface {
	ID() string
	// Playing reports whether the source is currently producing frames.
	// The canvas redraw loop skips copies while this is false so paused
	// sources do not emit stale duplicate frames.
	Playing() bool
}

// TrackCapturer is a source that can hand out live pion tracks directly.
// This is the native capture path: lowest latency, narrowest support.
type TrackCapturer interface {
	CaptureTracks() ([]webrtc.TrackLocal, error)
}

// SampleCapturer is a source that yields timed encoded samples. First
// vendor entry point tried by the chunked recorder.
type SampleCapturer interface {
	ReadSample() (media.Sample, error)
}

// RTPCapturer is a source that yields raw RTP packets. Second vendor
// entry point tried by the chunked recorder.
type RTPCapturer interface {
	ReadRTP() (*rtp.Packet, error)
}

// Frame is one encoded visual frame pulled from a FrameSource.
type Frame struct {
	Data   []byte
	Width  int
	Height int
}

// FrameSource is a source whose current frame can be copied on demand.
// This backs the canvas redraw technique and the recorder's last-resort
// synthesis path. Frame returns ok=false when no frame is available.
type FrameSource interface {
	Frame() (Frame, bool)
}

// ChunkSink receives one emitted media chunk with its arrival timestamp
// in milliseconds. Invoked at most once per chunk, never concurrently.
type ChunkSink func(chunk []byte, timestampMS int64)

// StreamResult is what a successful capture attempt yields. Under the
// recorder strategy Tracks is an empty placeholder and delivery happens
// exclusively through the chunk sink.
type StreamResult struct {
	Tracks   []webrtc.TrackLocal
	Strategy domain.Strategy
	Stats    func() domain.CaptureStats
	Cleanup  func()
}

// StreamProvider turns a local media source into a transmittable stream,
// falling back across capture strategies until one works.
type StreamProvider interface {
	CreateStream(source MediaSource, sink ChunkSink) (*StreamResult, error)
}
