package capture

import (
	"fmt"
	"time"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// strategy is one concrete technique for turning a media source into a
// transmittable stream. Each owns its acquire/release pair; selection
// walks a closed, ordered list of these.
type strategy interface {
	name() domain.Strategy
	acquire(source ports.MediaSource, cfg domain.CaptureConfig, sink ports.ChunkSink) (*ports.StreamResult, error)
}

// nativeStrategy captures live tracks directly from the source. Lowest
// latency, narrowest support.
type nativeStrategy struct {
	logger *zap.SugaredLogger
}

func (n *nativeStrategy) name() domain.Strategy { return domain.StrategyNative }

func (n *nativeStrategy) acquire(source ports.MediaSource, _ domain.CaptureConfig, _ ports.ChunkSink) (*ports.StreamResult, error) {
	capturer, ok := source.(ports.TrackCapturer)
	if !ok {
		return nil, fmt.Errorf("source %s does not support native track capture", source.ID())
	}

	tracks, err := capturer.CaptureTracks()
	if err != nil {
		return nil, fmt.Errorf("native capture failed for %s: %w", source.ID(), err)
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("native capture for %s produced no live tracks", source.ID())
	}

	n.logger.Infow("native capture acquired", "source", source.ID(), "tracks", len(tracks))
	return &ports.StreamResult{
		Tracks:   tracks,
		Strategy: domain.StrategyNative,
		Cleanup: func() {
			n.logger.Debugw("native capture released", "source", source.ID())
		},
	}, nil
}

// canvasStrategy copies the source's current frame onto a synthesized
// track once per frame interval. Works almost everywhere, costs a copy
// loop tick per frame.
type canvasStrategy struct {
	logger *zap.SugaredLogger
}

func (c *canvasStrategy) name() domain.Strategy { return domain.StrategyCanvas }

func (c *canvasStrategy) acquire(source ports.MediaSource, cfg domain.CaptureConfig, _ ports.ChunkSink) (*ports.StreamResult, error) {
	frames, ok := source.(ports.FrameSource)
	if !ok {
		return nil, fmt.Errorf("source %s does not expose frames for canvas capture", source.ID())
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video-canvas",
		"meshlink-capture",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create canvas track: %w", err)
	}

	fps := cfg.FrameRate
	if fps <= 0 {
		fps = 30
	}
	interval := time.Second / time.Duration(fps)

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			// Copy only while the source is playing so a paused source
			// does not emit stale duplicate frames.
			if !source.Playing() {
				continue
			}
			frame, ok := frames.Frame()
			if !ok {
				continue
			}
			if err := track.WriteSample(media.Sample{Data: frame.Data, Duration: interval}); err != nil {
				c.logger.Debugw("canvas sample write failed", "source", source.ID(), "error", err)
			}
		}
	}()

	c.logger.Infow("canvas capture acquired", "source", source.ID(), "fps", fps)

	stopped := false
	return &ports.StreamResult{
		Tracks:   []webrtc.TrackLocal{track},
		Strategy: domain.StrategyCanvas,
		Cleanup: func() {
			if stopped {
				return
			}
			stopped = true
			close(stop)
			c.logger.Debugw("canvas capture released", "source", source.ID())
		},
	}, nil
}

// recorderStrategy delegates to the chunked recording streamer. Recorder
// paths expose no live stream for downstream consumption, so the result
// carries an empty placeholder track set and media flows exclusively
// through the chunk sink.
type recorderStrategy struct {
	logger *zap.SugaredLogger
}

func (r *recorderStrategy) name() domain.Strategy { return domain.StrategyRecorder }

func (r *recorderStrategy) acquire(source ports.MediaSource, cfg domain.CaptureConfig, sink ports.ChunkSink) (*ports.StreamResult, error) {
	if sink == nil {
		return nil, fmt.Errorf("recorder capture for %s requires a chunk sink", source.ID())
	}

	streamer := NewChunkStreamer(r.logger)
	if err := streamer.Start(source, cfg, sink); err != nil {
		return nil, fmt.Errorf("recorder capture failed for %s: %w", source.ID(), err)
	}

	r.logger.Infow("recorder capture acquired",
		"source", source.ID(),
		"timeslice", cfg.Timeslice,
	)
	return &ports.StreamResult{
		Tracks:   []webrtc.TrackLocal{},
		Strategy: domain.StrategyRecorder,
		Stats:    streamer.Stats,
		Cleanup: func() {
			streamer.Stop(sink)
		},
	}, nil
}
