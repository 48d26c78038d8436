package alerting

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"txguard/internal/metrics"
)

// BreakerSettings shape the circuit breaker around a notifier.
type BreakerSettings struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// BreakerNotifier stops calling a failing notifier for a while so a dead
// alert channel does not stall the callers.
type BreakerNotifier struct {
	next   Notifier
	cb     *gobreaker.CircuitBreaker[struct{}]
	name   string
	logger zerolog.Logger
}

// NewBreakerNotifier wraps next in a circuit breaker.
func NewBreakerNotifier(next Notifier, settings BreakerSettings, logger zerolog.Logger) *BreakerNotifier {
	if settings.Name == "" {
		settings.Name = "alerting"
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 3
	}
	logger = logger.With().Str("component", "alert_breaker").Str("breaker", settings.Name).Logger()

	metrics.BreakerState.WithLabelValues(settings.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &BreakerNotifier{next: next, cb: cb, name: settings.Name, logger: logger}
}

// Notify forwards to the wrapped notifier unless the circuit is open.
func (b *BreakerNotifier) Notify(ctx context.Context, note Notification) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Notify(ctx, note)
	})

	switch {
	case err == nil:
		metrics.AlertsTotal.WithLabelValues(string(note.Kind), "sent").Inc()
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.AlertsTotal.WithLabelValues(string(note.Kind), "rejected").Inc()
		b.logger.Warn().Err(err).Str("kind", string(note.Kind)).Msg("alert dropped by circuit breaker")
	default:
		metrics.AlertsTotal.WithLabelValues(string(note.Kind), "failed").Inc()
	}
	return err
}

// State reports the current breaker state.
func (b *BreakerNotifier) State() gobreaker.State {
	return b.cb.State()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

var _ Notifier = (*BreakerNotifier)(nil)
