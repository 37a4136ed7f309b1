package capture

import (
	"sync"
	"testing"
	"time"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSource is the base test double for a playable media source.
type fakeSource struct {
	id      string
	mu      sync.Mutex
	playing bool
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) Playing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *fakeSource) setPlaying(p bool) {
	f.mu.Lock()
	f.playing = p
	f.mu.Unlock()
}

// sampleSource yields fixed-size encoded samples at a steady cadence.
type sampleSource struct {
	fakeSource
	interval time.Duration
	payload  []byte
}

func (s *sampleSource) ReadSample() (media.Sample, error) {
	time.Sleep(s.interval)
	return media.Sample{Data: s.payload, Duration: s.interval}, nil
}

// frameSource exposes only the frame-copy entry point.
type frameSource struct {
	fakeSource
	frame []byte
}

func (f *frameSource) Frame() (ports.Frame, bool) { return ports.Frame{Data: f.frame}, true }

type chunkCollector struct {
	mu         sync.Mutex
	chunks     [][]byte
	timestamps []int64
}

func (c *chunkCollector) sink(chunk []byte, timestampMS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make([]byte, len(chunk))
	copy(copied, chunk)
	c.chunks = append(c.chunks, copied)
	c.timestamps = append(c.timestamps, timestampMS)
}

func (c *chunkCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func (c *chunkCollector) stamps() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.timestamps))
	copy(out, c.timestamps)
	return out
}

func testCaptureConfig(timeslice time.Duration) domain.CaptureConfig {
	return domain.CaptureConfig{
		FrameRate:    30,
		AudioBitrate: 128_000,
		VideoBitrate: 1_000_000,
		Timeslice:    timeslice,
	}
}

func TestChunkStreamer_AlreadyActive(t *testing.T) {
	s := NewChunkStreamer(zap.NewNop().Sugar())
	src := &sampleSource{fakeSource: fakeSource{id: "cam", playing: true}, interval: 5 * time.Millisecond, payload: []byte("x")}
	sink := (&chunkCollector{}).sink

	require.NoError(t, s.Start(src, testCaptureConfig(50*time.Millisecond), sink))
	defer s.Stop(nil)

	err := s.Start(src, testCaptureConfig(50*time.Millisecond), sink)
	assert.ErrorIs(t, err, domain.ErrStreamerActive)
}

func TestChunkStreamer_EmitsTimestampedChunks(t *testing.T) {
	s := NewChunkStreamer(zap.NewNop().Sugar())
	src := &sampleSource{
		fakeSource: fakeSource{id: "cam", playing: true},
		interval:   10 * time.Millisecond,
		payload:    make([]byte, 100),
	}
	collector := &chunkCollector{}

	require.NoError(t, s.Start(src, testCaptureConfig(50*time.Millisecond), collector.sink))
	time.Sleep(270 * time.Millisecond)
	s.Stop(collector.sink)

	// ~5 timeslice boundaries in the run, plus the final flush.
	n := collector.count()
	assert.GreaterOrEqual(t, n, 4)
	assert.LessOrEqual(t, n, 7)

	// Timestamps are strictly increasing.
	stamps := collector.stamps()
	for i := 1; i < len(stamps); i++ {
		assert.Greater(t, stamps[i], stamps[i-1])
	}

	stats := s.Stats()
	assert.Equal(t, int64(n), stats.ChunkCount)
	assert.Positive(t, stats.TotalBytes)
	expected := float64(stats.TotalBytes) * 8 / stats.Elapsed.Seconds()
	assert.InDelta(t, expected, stats.AverageBitrate, expected*0.01)
}

func TestChunkStreamer_SkipsEmptyTimeslices(t *testing.T) {
	s := NewChunkStreamer(zap.NewNop().Sugar())
	// Not playing: reads happen but nothing accumulates.
	src := &sampleSource{fakeSource: fakeSource{id: "cam", playing: false}, interval: 5 * time.Millisecond, payload: []byte("x")}
	collector := &chunkCollector{}

	require.NoError(t, s.Start(src, testCaptureConfig(30*time.Millisecond), collector.sink))
	time.Sleep(120 * time.Millisecond)
	s.Stop(collector.sink)

	assert.Equal(t, 0, collector.count())
	assert.Equal(t, int64(0), s.Stats().ChunkCount)
}

func TestChunkStreamer_PauseResume(t *testing.T) {
	s := NewChunkStreamer(zap.NewNop().Sugar())
	src := &sampleSource{fakeSource: fakeSource{id: "cam", playing: true}, interval: 5 * time.Millisecond, payload: make([]byte, 50)}
	collector := &chunkCollector{}

	require.NoError(t, s.Start(src, testCaptureConfig(30*time.Millisecond), collector.sink))
	time.Sleep(100 * time.Millisecond)

	s.Pause()
	s.Pause() // no-op in the same state
	time.Sleep(40 * time.Millisecond)
	atPause := collector.count()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, collector.count(), atPause+1, "no new chunks accumulate while paused")

	s.Resume()
	time.Sleep(100 * time.Millisecond)
	assert.Greater(t, collector.count(), atPause)

	s.Stop(collector.sink)
}

func TestChunkStreamer_StopIsIdempotent(t *testing.T) {
	s := NewChunkStreamer(zap.NewNop().Sugar())
	src := &sampleSource{fakeSource: fakeSource{id: "cam", playing: true}, interval: 5 * time.Millisecond, payload: []byte("x")}
	collector := &chunkCollector{}

	require.NoError(t, s.Start(src, testCaptureConfig(30*time.Millisecond), collector.sink))
	s.Stop(collector.sink)
	s.Stop(collector.sink)
	s.Stop(nil)

	assert.False(t, s.Active())

	// The streamer is reusable after a full stop.
	require.NoError(t, s.Start(src, testCaptureConfig(30*time.Millisecond), collector.sink))
	s.Stop(nil)
}

func TestChunkStreamer_FrameFallbackEntryPoint(t *testing.T) {
	s := NewChunkStreamer(zap.NewNop().Sugar())
	src := &frameSource{fakeSource: fakeSource{id: "doc", playing: true}, frame: make([]byte, 64)}
	collector := &chunkCollector{}

	cfg := testCaptureConfig(40 * time.Millisecond)
	cfg.FrameRate = 50
	require.NoError(t, s.Start(src, cfg, collector.sink))
	time.Sleep(150 * time.Millisecond)
	s.Stop(collector.sink)

	assert.Positive(t, collector.count(), "frame synthesis path should emit chunks")
}

func TestChunkStreamer_RestartUsesFreshStopChannel(t *testing.T) {
	s := NewChunkStreamer(zap.NewNop().Sugar())
	src := &frameSource{fakeSource: fakeSource{id: "doc", playing: true}, frame: make([]byte, 64)}
	collector := &chunkCollector{}

	cfg := testCaptureConfig(30 * time.Millisecond)
	cfg.FrameRate = 100

	// Rapid stop/start cycles replace the stop channel while loops from
	// the previous run may still be winding down.
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Start(src, cfg, collector.sink))
		time.Sleep(10 * time.Millisecond)
		s.Stop(nil)
	}

	require.NoError(t, s.Start(src, cfg, collector.sink))
	time.Sleep(120 * time.Millisecond)
	s.Stop(collector.sink)

	assert.Positive(t, collector.count(), "streamer keeps emitting after restarts")
}

func TestChunkStreamer_RejectsUncapturableSource(t *testing.T) {
	s := NewChunkStreamer(zap.NewNop().Sugar())
	src := &fakeSource{id: "blank", playing: true}

	err := s.Start(src, testCaptureConfig(50*time.Millisecond), (&chunkCollector{}).sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no capture entry point")
	assert.False(t, s.Active())
}
