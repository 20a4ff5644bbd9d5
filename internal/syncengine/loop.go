package syncengine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Run drives rounds from the periodic timer, manual reloads, mutation signals and offline→online
// transitions until ctx ends. Triggers that arrive during a round coalesce into at most one more round.
func (e *Engine) Run(ctx context.Context) error {
	transitions, unsubscribe := e.network.Subscribe(ctx)
	defer unsubscribe()

	ticker := time.NewTicker(time.Duration(e.interval.Load()))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.runRound(ctx, "timer")
		case <-e.reload:
			e.runRound(ctx, "reload")
		case <-e.trigger:
			e.runRound(ctx, "mutation")
		case transition, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if transition.Online {
				e.runRound(ctx, "online")
			}
		case <-e.intervalChanged:
			ticker.Reset(time.Duration(e.interval.Load()))
			e.logger.Info("sync interval updated", zap.Duration("interval", time.Duration(e.interval.Load())))
		}
	}
}

// Reload requests a round as if the timer had fired.
func (e *Engine) Reload() {
	notify(e.reload)
}

// SetInterval changes the periodic timer of a running loop.
func (e *Engine) SetInterval(interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	e.interval.Store(int64(interval))
	notify(e.intervalChanged)
	return nil
}

// Interval returns the current timer period.
func (e *Engine) Interval() time.Duration {
	return time.Duration(e.interval.Load())
}

func (e *Engine) signal() {
	notify(e.trigger)
}

func (e *Engine) runRound(ctx context.Context, reason string) {
	result, err := e.SyncOnce(ctx)
	switch {
	case errors.Is(err, ErrRoundInFlight):
		e.logger.Debug("round skipped", zap.String("trigger", reason))
	case err != nil:
		e.logger.Warn("round failed", zap.String("trigger", reason), zap.Error(err))
	default:
		e.logger.Debug("round finished", zap.String("trigger", reason), zap.String("state", string(result.State)))
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
