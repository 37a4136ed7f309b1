package capture

import (
	"fmt"
	"sync"
	"time"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
	"meshlink/pkg/optimize"

	"go.uber.org/zap"
)

const defaultChunkBufferSize = 64 * 1024

// ChunkStreamer turns a playable media source into a sequence of
// timestamped binary chunks at the configured timeslice cadence, tracking
// bitrate as it goes. Chunks are never buffered beyond the one in flight
// and never retried: a missed emission is the next chunk's problem.
type ChunkStreamer struct {
	logger *zap.SugaredLogger
	pool   *optimize.BytePool

	mu        sync.Mutex
	active    bool
	paused    bool
	buf       []byte
	stats     domain.CaptureStats
	startedAt time.Time

	stop chan struct{}
	done sync.WaitGroup
}

// NewChunkStreamer creates an idle streamer.
func NewChunkStreamer(logger *zap.SugaredLogger) *ChunkStreamer {
	return &ChunkStreamer{
		logger: logger,
		pool:   optimize.NewBytePool(defaultChunkBufferSize),
	}
}

// Start begins recording the source into chunks delivered to sink.
// The source's capture entry points are tried in order: timed samples,
// raw RTP, then the frame-copy synthesis used by the canvas strategy.
func (s *ChunkStreamer) Start(source ports.MediaSource, cfg domain.CaptureConfig, sink ports.ChunkSink) error {
	if sink == nil {
		return fmt.Errorf("chunk sink is required")
	}
	if cfg.Timeslice <= 0 {
		return fmt.Errorf("timeslice must be positive")
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return domain.ErrStreamerActive
	}
	s.active = true
	s.paused = false
	s.buf = s.pool.Get()
	s.stats = domain.CaptureStats{StartedAt: time.Now()}
	s.startedAt = s.stats.StartedAt
	// The loops get their own reference to the stop channel: a Stop
	// followed by a fresh Start replaces s.stop, and loops from the
	// previous run must keep watching the channel they started with.
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	reader, err := s.pickReader(source, cfg, stop)
	if err != nil {
		s.release()
		return err
	}

	// Only the emit loop is awaited on release; a read blocked inside the
	// source unblocks when the source itself is stopped.
	s.done.Add(1)
	go s.readLoop(source, reader, stop)
	go s.emitLoop(cfg.Timeslice, sink, stop)

	s.logger.Infow("chunk streamer started",
		"source", source.ID(),
		"timeslice", cfg.Timeslice,
		"frame_rate", cfg.FrameRate,
	)
	return nil
}

// reader returns the next blob of encoded bytes, or an error when the
// entry point is exhausted. A nil blob with nil error means nothing was
// available this pass.
type reader func() ([]byte, error)

func (s *ChunkStreamer) pickReader(source ports.MediaSource, cfg domain.CaptureConfig, stop <-chan struct{}) (reader, error) {
	if sc, ok := source.(ports.SampleCapturer); ok {
		return func() ([]byte, error) {
			sample, err := sc.ReadSample()
			if err != nil {
				return nil, err
			}
			return sample.Data, nil
		}, nil
	}
	if rc, ok := source.(ports.RTPCapturer); ok {
		return func() ([]byte, error) {
			pkt, err := rc.ReadRTP()
			if err != nil {
				return nil, err
			}
			return pkt.Payload, nil
		}, nil
	}
	if fs, ok := source.(ports.FrameSource); ok {
		// Last resort: synthesize a capturable stream by polling the
		// source's current frame at the configured rate.
		interval := time.Second / time.Duration(max(cfg.FrameRate, 1))
		ticker := time.NewTicker(interval)
		return func() ([]byte, error) {
			select {
			case <-stop:
				ticker.Stop()
				return nil, fmt.Errorf("stopped")
			case <-ticker.C:
			}
			frame, ok := fs.Frame()
			if !ok {
				return nil, nil
			}
			return frame.Data, nil
		}, nil
	}
	return nil, fmt.Errorf("source %s exposes no capture entry point", source.ID())
}

func (s *ChunkStreamer) readLoop(source ports.MediaSource, next reader, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		blob, err := next()
		if err != nil {
			select {
			case <-stop:
			default:
				s.logger.Warnw("capture read ended", "source", source.ID(), "error", err)
			}
			return
		}
		if len(blob) == 0 {
			continue
		}

		s.mu.Lock()
		if !s.active {
			s.mu.Unlock()
			return
		}
		// Paused/ended sources contribute nothing; skipping here avoids
		// stale duplicate frames in the chunk stream.
		if !s.paused && source.Playing() {
			s.buf = append(s.buf, blob...)
		}
		s.mu.Unlock()
	}
}

func (s *ChunkStreamer) emitLoop(timeslice time.Duration, sink ports.ChunkSink, stop <-chan struct{}) {
	defer s.done.Done()
	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.emit(sink)
		}
	}
}

// emit hands the accumulated bytes to the sink and updates statistics.
// Zero-size chunks are skipped entirely.
func (s *ChunkStreamer) emit(sink ports.ChunkSink) {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	chunk := s.buf
	s.buf = s.pool.Get()

	now := time.Now()
	elapsed := now.Sub(s.startedAt)

	s.stats.ChunkCount++
	s.stats.TotalBytes += int64(len(chunk))
	s.stats.Elapsed = elapsed
	if secs := elapsed.Seconds(); secs > 0 {
		s.stats.AverageBitrate = float64(s.stats.TotalBytes) * 8 / secs
	}
	if !s.stats.LastChunkAt.IsZero() {
		if delta := now.Sub(s.stats.LastChunkAt).Seconds(); delta > 0 {
			s.stats.CurrentBitrate = float64(len(chunk)) * 8 / delta
		}
	}
	s.stats.LastChunkAt = now
	timestampMS := elapsed.Milliseconds()
	s.mu.Unlock()

	// The sink runs synchronously inside the timeslice callback; the next
	// emission cannot start until it returns.
	sink(chunk, timestampMS)
	s.pool.Put(chunk)
}

// Pause suspends chunk accumulation. No-op unless running.
func (s *ChunkStreamer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.paused {
		return
	}
	s.paused = true
	s.logger.Debugw("chunk streamer paused")
}

// Resume continues chunk accumulation. No-op unless paused.
func (s *ChunkStreamer) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || !s.paused {
		return
	}
	s.paused = false
	s.logger.Debugw("chunk streamer resumed")
}

// Stop requests a final flush if active, then releases everything.
// Cleanup is unconditional and idempotent.
func (s *ChunkStreamer) Stop(sink ports.ChunkSink) {
	s.mu.Lock()
	wasActive := s.active
	s.mu.Unlock()

	if wasActive && sink != nil {
		s.emit(sink)
	}

	s.release()
}

func (s *ChunkStreamer) release() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.stop)
	s.mu.Unlock()

	s.done.Wait()

	s.mu.Lock()
	s.buf = nil
	s.paused = false
	s.mu.Unlock()
}

// Active reports whether a recording run is in progress.
func (s *ChunkStreamer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stats returns a snapshot of the running statistics.
func (s *ChunkStreamer) Stats() domain.CaptureStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
