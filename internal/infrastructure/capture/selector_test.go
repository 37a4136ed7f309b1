package capture

import (
	"errors"
	"testing"
	"time"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
	mlerrors "meshlink/pkg/errors"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStrategy counts acquisition attempts and either fails or succeeds.
type fakeStrategy struct {
	strategy domain.Strategy
	fail     bool
	attempts int
}

func (f *fakeStrategy) name() domain.Strategy { return f.strategy }

func (f *fakeStrategy) acquire(_ ports.MediaSource, _ domain.CaptureConfig, _ ports.ChunkSink) (*ports.StreamResult, error) {
	f.attempts++
	if f.fail {
		return nil, errors.New("acquisition failed")
	}
	return &ports.StreamResult{
		Tracks:   []webrtc.TrackLocal{},
		Strategy: f.strategy,
		Cleanup:  func() {},
	}, nil
}

func newSelector(platform string) *StrategySelector {
	return NewStrategySelector(SelectorConfig{
		Capture: domain.CaptureConfig{
			FrameRate: 30,
			Timeslice: 50 * time.Millisecond,
		},
		Platform: platform,
	}, zap.NewNop().Sugar())
}

func TestCreateStream_FallsBackWithoutReattemptingPrimary(t *testing.T) {
	primary := &fakeStrategy{strategy: domain.StrategyNative, fail: true}
	secondary := &fakeStrategy{strategy: domain.StrategyCanvas}
	tertiary := &fakeStrategy{strategy: domain.StrategyRecorder}

	selector := newSelector("default")
	selector.strategies = []strategy{primary, secondary, tertiary}

	result, err := selector.CreateStream(&fakeSource{id: "cam", playing: true}, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.StrategyCanvas, result.Strategy)
	assert.Equal(t, 1, primary.attempts, "primary is never re-attempted")
	assert.Equal(t, 1, secondary.attempts)
	assert.Equal(t, 0, tertiary.attempts, "selection stops at the first success")
}

func TestCreateStream_ExhaustionAggregatesErrors(t *testing.T) {
	selector := newSelector("default")
	selector.strategies = []strategy{
		&fakeStrategy{strategy: domain.StrategyNative, fail: true},
		&fakeStrategy{strategy: domain.StrategyCanvas, fail: true},
		&fakeStrategy{strategy: domain.StrategyRecorder, fail: true},
	}

	_, err := selector.CreateStream(&fakeSource{id: "cam", playing: true}, nil)
	require.Error(t, err)

	assert.True(t, mlerrors.HasCode(err, mlerrors.ErrCodeStrategyExhausted))
	assert.True(t, errors.Is(err, domain.ErrAllStrategiesFailed))
	assert.Contains(t, err.Error(), "all streaming strategies failed")
}

func TestStrategyOrder_ByPlatform(t *testing.T) {
	assert.Equal(t,
		[]domain.Strategy{domain.StrategyNative, domain.StrategyCanvas, domain.StrategyRecorder},
		newSelector("default").Order(),
	)
	assert.Equal(t,
		[]domain.Strategy{domain.StrategyRecorder, domain.StrategyCanvas, domain.StrategyNative},
		newSelector("restricted").Order(),
	)
}

func TestCreateStream_CanvasForFrameOnlySource(t *testing.T) {
	selector := newSelector("default")
	src := &frameSource{fakeSource: fakeSource{id: "doc", playing: true}, frame: make([]byte, 32)}

	result, err := selector.CreateStream(src, nil)
	require.NoError(t, err)
	defer result.Cleanup()

	assert.Equal(t, domain.StrategyCanvas, result.Strategy)
	require.Len(t, result.Tracks, 1)

	// Cleanup cancels the copy loop deterministically and is safe twice.
	result.Cleanup()
	result.Cleanup()
}

func TestCreateStream_RecorderReturnsPlaceholderStream(t *testing.T) {
	selector := newSelector("restricted")
	src := &sampleSource{fakeSource: fakeSource{id: "cam", playing: true}, interval: 5 * time.Millisecond, payload: make([]byte, 20)}
	collector := &chunkCollector{}

	result, err := selector.CreateStream(src, collector.sink)
	require.NoError(t, err)
	defer result.Cleanup()

	assert.Equal(t, domain.StrategyRecorder, result.Strategy)
	assert.Empty(t, result.Tracks, "recorder exposes no live stream; media flows through the sink")
	require.NotNil(t, result.Stats)

	time.Sleep(130 * time.Millisecond)
	assert.Positive(t, collector.count())
	assert.Positive(t, result.Stats().ChunkCount)
}

func TestCreateStream_RecorderRequiresSink(t *testing.T) {
	selector := newSelector("restricted")
	// Sample-capable source but no sink: recorder fails, canvas cannot
	// handle it either (no frames), native cannot capture tracks.
	src := &sampleSource{fakeSource: fakeSource{id: "cam", playing: true}, interval: time.Millisecond, payload: []byte("x")}

	_, err := selector.CreateStream(src, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAllStrategiesFailed))
}
