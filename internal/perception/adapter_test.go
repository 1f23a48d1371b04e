package perception

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/observability"
)

// -- Test Helpers --

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

// MockCapturer is a mock implementation of the Capturer interface.
type MockCapturer struct {
	mock.Mock
}

func (m *MockCapturer) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if b, ok := args.Get(0).([]byte); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockParser is a mock implementation of the Parser interface.
type MockParser struct {
	mock.Mock
}

func (m *MockParser) Parse(ctx context.Context, img []byte) (*ParseResult, error) {
	args := m.Called(ctx, img)
	if r, ok := args.Get(0).(*ParseResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func testPerceptionConfig() config.PerceptionConfig {
	return config.PerceptionConfig{
		MaxAttempts:                   5,
		RetryDelay:                    2 * time.Second,
		PrimaryFailuresBeforeFallback: 3,
		Fallback: config.FallbackConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
			MaxElapsed:      50 * time.Millisecond,
		},
	}
}

func newTestAdapter(t *testing.T, primary, secondary Capturer, parser Parser, metrics *observability.Metrics) (*Adapter, *[]time.Duration) {
	t.Helper()
	a := NewAdapter(primary, secondary, parser, testPerceptionConfig(), metrics, zaptest.NewLogger(t))
	var sleeps []time.Duration
	a.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return a, &sleeps
}

var twoElements = &ParseResult{
	Elements: []Element{
		{Index: 0, Kind: KindIcon, Content: "Settings", BBox: [4]float64{0.1, 0.1, 0.2, 0.2}},
		{Index: 1, Kind: KindText, Content: "Enable screenshots", BBox: [4]float64{0.5, 0.5, 0.7, 0.6}},
	},
	Overlay: "b3ZlcmxheQ==",
}

// -- Test Cases --

func TestCapturePrimarySuccess(t *testing.T) {
	img := testPNG(t, 64, 32)
	primary := new(MockCapturer)
	parser := new(MockParser)
	primary.On("Screenshot", mock.Anything).Return(img, nil).Once()
	parser.On("Parse", mock.Anything, img).Return(twoElements, nil).Once()

	a, sleeps := newTestAdapter(t, primary, nil, parser, nil)
	screen, err := a.Capture(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 64, screen.Width)
	assert.Equal(t, 32, screen.Height)
	assert.Equal(t, SourcePrimary, screen.Source)
	assert.Len(t, screen.Elements, 2)
	assert.NotEmpty(t, screen.ID)
	assert.False(t, a.Degraded())
	assert.Empty(t, *sleeps)
	primary.AssertExpectations(t)
	parser.AssertExpectations(t)
}

func TestCaptureRetriesWholePairWhenNothingDetected(t *testing.T) {
	img := testPNG(t, 10, 10)
	primary := new(MockCapturer)
	parser := new(MockParser)
	primary.On("Screenshot", mock.Anything).Return(img, nil).Times(3)
	parser.On("Parse", mock.Anything, img).Return(nil, ErrNothingDetected).Twice()
	parser.On("Parse", mock.Anything, img).Return(twoElements, nil).Once()

	a, sleeps := newTestAdapter(t, primary, nil, parser, nil)
	screen, err := a.Capture(context.Background())
	require.NoError(t, err)
	assert.Len(t, screen.Elements, 2)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, *sleeps)
	primary.AssertExpectations(t)
}

func TestCaptureNothingDetectedExhausts(t *testing.T) {
	img := testPNG(t, 10, 10)
	primary := new(MockCapturer)
	parser := new(MockParser)
	primary.On("Screenshot", mock.Anything).Return(img, nil)
	parser.On("Parse", mock.Anything, img).Return(nil, ErrNothingDetected)

	a, _ := newTestAdapter(t, primary, nil, parser, nil)
	_, err := a.Capture(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCaptureExhausted)
	assert.ErrorIs(t, err, ErrNothingDetected)
	parser.AssertNumberOfCalls(t, "Parse", 5)
}

func TestCaptureOtherParseErrorPropagatesImmediately(t *testing.T) {
	img := testPNG(t, 10, 10)
	primary := new(MockCapturer)
	parser := new(MockParser)
	boom := errors.New("parser returned status 422")
	primary.On("Screenshot", mock.Anything).Return(img, nil).Once()
	parser.On("Parse", mock.Anything, img).Return(nil, boom).Once()

	a, sleeps := newTestAdapter(t, primary, nil, parser, nil)
	_, err := a.Capture(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrCaptureExhausted)
	assert.Empty(t, *sleeps)
	parser.AssertNumberOfCalls(t, "Parse", 1)
}

func TestCaptureFallsBackAfterThreePrimaryFailures(t *testing.T) {
	img := testPNG(t, 1280, 720)
	primary := new(MockCapturer)
	secondary := new(MockCapturer)
	parser := new(MockParser)
	metrics := observability.NewMetrics()

	primary.On("Screenshot", mock.Anything).Return(nil, errors.New("connection refused")).Times(3)
	secondary.On("Screenshot", mock.Anything).Return(img, nil).Once()
	parser.On("Parse", mock.Anything, img).Return(twoElements, nil)

	a, _ := newTestAdapter(t, primary, secondary, parser, metrics)
	screen, err := a.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceSecondary, screen.Source)
	assert.True(t, a.Degraded())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DegradedSessions))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.CaptureFailures.WithLabelValues("primary")))
	secondary.AssertNumberOfCalls(t, "Screenshot", 1)

	t.Run("stays degraded while primary keeps failing", func(t *testing.T) {
		primary.On("Screenshot", mock.Anything).Return(nil, errors.New("still down")).Once()
		secondary.On("Screenshot", mock.Anything).Return(img, nil).Once()

		screen, err := a.Capture(context.Background())
		require.NoError(t, err)
		assert.Equal(t, SourceSecondary, screen.Source)
		assert.True(t, a.Degraded())
	})

	t.Run("clears on the next primary success", func(t *testing.T) {
		primary.On("Screenshot", mock.Anything).Return(img, nil).Once()

		screen, err := a.Capture(context.Background())
		require.NoError(t, err)
		assert.Equal(t, SourcePrimary, screen.Source)
		assert.False(t, a.Degraded())
		assert.Equal(t, 0.0, testutil.ToFloat64(metrics.DegradedSessions))
	})
}

func TestCaptureSecondaryRetriesWithBackoff(t *testing.T) {
	img := testPNG(t, 20, 20)
	primary := new(MockCapturer)
	secondary := new(MockCapturer)
	parser := new(MockParser)

	primary.On("Screenshot", mock.Anything).Return(nil, errors.New("down"))
	secondary.On("Screenshot", mock.Anything).Return(nil, errors.New("viewer not ready")).Twice()
	secondary.On("Screenshot", mock.Anything).Return(img, nil).Once()
	parser.On("Parse", mock.Anything, img).Return(twoElements, nil)

	a, _ := newTestAdapter(t, primary, secondary, parser, nil)
	screen, err := a.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceSecondary, screen.Source)
	secondary.AssertNumberOfCalls(t, "Screenshot", 3)
}

func TestCaptureWithoutSecondaryExhausts(t *testing.T) {
	primary := new(MockCapturer)
	primary.On("Screenshot", mock.Anything).Return(nil, errors.New("down"))

	a, sleeps := newTestAdapter(t, primary, nil, new(MockParser), nil)
	_, err := a.Capture(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCaptureExhausted)
	assert.False(t, a.Degraded())
	assert.Len(t, *sleeps, 4)
	primary.AssertNumberOfCalls(t, "Screenshot", 5)
}

func TestCaptureHonorsCancellation(t *testing.T) {
	primary := new(MockCapturer)
	primary.On("Screenshot", mock.Anything).Return(nil, errors.New("down"))

	a := NewAdapter(primary, nil, new(MockParser), testPerceptionConfig(), nil, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Capture(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScreenElementLookup(t *testing.T) {
	s := &Screen{Elements: twoElements.Elements}

	el, ok := s.Element(1)
	require.True(t, ok)
	assert.Equal(t, "Enable screenshots", el.Content)

	_, ok = s.Element(2)
	assert.False(t, ok)
	_, ok = s.Element(-1)
	assert.False(t, ok)

	var nilScreen *Screen
	_, ok = nilScreen.Element(0)
	assert.False(t, ok)

	sparse := &Screen{Elements: []Element{
		{Index: 0, Content: "Start"},
		{Index: 7, Content: "Settings"},
		{Index: 3, Content: "Search"},
	}}
	el, ok = sparse.Element(7)
	require.True(t, ok, "ids beyond the element count are found by scan")
	assert.Equal(t, "Settings", el.Content)
	el, ok = sparse.Element(3)
	require.True(t, ok)
	assert.Equal(t, "Search", el.Content)
	_, ok = sparse.Element(1)
	assert.False(t, ok)
}
