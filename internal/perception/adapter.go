package perception

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/observability"
)

// Capturer acquires one raw screen image.
type Capturer interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// Parser turns an image into addressable elements.
type Parser interface {
	Parse(ctx context.Context, img []byte) (*ParseResult, error)
}

// ErrCaptureExhausted is returned when neither acquisition path produced a parsed screen.
var ErrCaptureExhausted = errors.New("screen capture exhausted all attempts")

// Adapter acquires parsed screens for one session and owns that session's degraded-mode flag.
type Adapter struct {
	primary   Capturer
	secondary Capturer
	parser    Parser
	cfg       config.PerceptionConfig
	logger    *zap.Logger
	metrics   *observability.Metrics

	degraded        atomic.Bool
	primaryFailures int
	sleep           func(ctx context.Context, d time.Duration) error
}

// NewAdapter creates a per-session adapter. secondary and metrics may be nil.
func NewAdapter(primary, secondary Capturer, parser Parser, cfg config.PerceptionConfig, metrics *observability.Metrics, logger *zap.Logger) *Adapter {
	return &Adapter{
		primary:   primary,
		secondary: secondary,
		parser:    parser,
		cfg:       cfg,
		logger:    logger.Named("perception"),
		metrics:   metrics,
		sleep:     sleepCtx,
	}
}

// Degraded reports whether the last capture came from the secondary path.
func (a *Adapter) Degraded() bool {
	return a.degraded.Load()
}

// Capture returns one parsed screen, retrying the capture and parse pair up to the configured bound.
// A parse that detects nothing retries the pair; any other parse error is returned at once.
func (a *Adapter) Capture(ctx context.Context) (*Screen, error) {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := a.sleep(ctx, a.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}

		img, source, err := a.acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			a.logger.Warn("Screen acquisition failed",
				zap.Int("attempt", attempt), zap.Int("max_attempts", a.cfg.MaxAttempts), zap.Error(err))
			continue
		}

		parsed, err := a.parser.Parse(ctx, img)
		if err != nil {
			if errors.Is(err, ErrNothingDetected) {
				lastErr = err
				a.logger.Info("Parser detected nothing on screen, retrying capture",
					zap.Int("attempt", attempt), zap.Int("max_attempts", a.cfg.MaxAttempts))
				continue
			}
			return nil, fmt.Errorf("failed to parse screen: %w", err)
		}

		width, height, err := imageSize(img)
		if err != nil {
			return nil, err
		}
		return &Screen{
			ID:       uuid.NewString(),
			Image:    img,
			Width:    width,
			Height:   height,
			Elements: parsed.Elements,
			Overlay:  parsed.Overlay,
			Source:   source,
		}, nil
	}

	if errors.Is(lastErr, ErrNothingDetected) {
		return nil, fmt.Errorf("%w: parsing failed after %d attempts, the screen might be black or empty: %w",
			ErrCaptureExhausted, a.cfg.MaxAttempts, lastErr)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrCaptureExhausted, a.cfg.MaxAttempts, lastErr)
}

// acquire tries the primary path, switching to the secondary path once the primary has failed
// PrimaryFailuresBeforeFallback times in a row.
func (a *Adapter) acquire(ctx context.Context) ([]byte, Source, error) {
	img, err := a.primary.Screenshot(ctx)
	if err == nil {
		a.primaryFailures = 0
		a.setDegraded(false)
		return img, SourcePrimary, nil
	}
	a.primaryFailures++
	a.countFailure(SourcePrimary)

	if a.secondary == nil || a.primaryFailures < a.cfg.PrimaryFailuresBeforeFallback {
		return nil, "", fmt.Errorf("primary capture failed (%d consecutive): %w", a.primaryFailures, err)
	}

	a.logger.Warn("Primary capture unavailable, trying secondary path",
		zap.Int("consecutive_failures", a.primaryFailures), zap.Error(err))

	img, secErr := a.captureSecondary(ctx)
	if secErr != nil {
		return nil, "", fmt.Errorf("secondary capture failed: %w (primary: %v)", secErr, err)
	}
	a.setDegraded(true)
	return img, SourceSecondary, nil
}

func (a *Adapter) captureSecondary(ctx context.Context) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.Fallback.InitialInterval
	b.MaxInterval = a.cfg.Fallback.MaxInterval
	b.MaxElapsedTime = a.cfg.Fallback.MaxElapsed

	var img []byte
	operation := func() error {
		attemptCtx, cancel := withTimeout(ctx, a.cfg.Fallback.MaxElapsed)
		defer cancel()

		shot, err := a.secondary.Screenshot(attemptCtx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			a.countFailure(SourceSecondary)
			a.logger.Debug("Secondary capture attempt failed", zap.Error(err))
			return err
		}
		img = shot
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return img, nil
}

func (a *Adapter) setDegraded(on bool) {
	if a.degraded.Swap(on) == on {
		return
	}
	if on {
		a.logger.Warn("Entering degraded mode: only the secondary capture path is working.")
	} else {
		a.logger.Info("Primary capture restored, leaving degraded mode.")
	}
	if a.metrics != nil {
		if on {
			a.metrics.DegradedSessions.Inc()
		} else {
			a.metrics.DegradedSessions.Dec()
		}
	}
}

// Release clears the degraded gauge contribution of this session.
func (a *Adapter) Release() {
	if a.degraded.Swap(false) && a.metrics != nil {
		a.metrics.DegradedSessions.Dec()
	}
}

func (a *Adapter) countFailure(path Source) {
	if a.metrics != nil {
		a.metrics.CaptureFailures.WithLabelValues(string(path)).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
