package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"txguard/internal/alerting"
	"txguard/internal/risk"
	"txguard/internal/service"
)

// SimulateAlert pushes a synthetic alert of the given kind through the
// configured channels so operators can check delivery end to end.
func (a *App) SimulateAlert(ctx context.Context, kind alerting.Kind) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}
	svc := service.New(a.Config, service.Deps{Notifier: notifier}, a.Logger)

	note, err := sampleNotification(kind, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := svc.Notify(ctx, note); err != nil {
		return fmt.Errorf("deliver %s alert: %w", kind, err)
	}
	a.Logger.Info().Str("kind", string(kind)).Msg("simulated alert delivered")
	return nil
}

func sampleNotification(kind alerting.Kind, now time.Time) (alerting.Notification, error) {
	switch kind {
	case alerting.KindTest:
		return alerting.Notification{Kind: kind, Time: now, AdditionalMsg: "txguard alert channel test"}, nil
	case alerting.KindHighRisk:
		return alerting.Notification{
			Kind:           kind,
			Time:           now,
			TransactionID:  "simulated-tx",
			UserID:         "simulated-user",
			Amount:         decimal.NewFromInt(5000),
			Currency:       "INR",
			Score:          85,
			Level:          string(risk.RiskHigh),
			Recommendation: risk.RiskHigh.Recommendation(),
			Reasons:        []string{"Impossible travel speed: 4500.00 km/h (faster than commercial flight)", "Unknown device"},
		}, nil
	case alerting.KindLedgerTampered:
		failed := uint64(1)
		return alerting.Notification{
			Kind:        kind,
			Time:        now,
			Blocks:      2,
			FailedIndex: &failed,
			Reason:      "stored hash does not match contents",
		}, nil
	default:
		return alerting.Notification{}, fmt.Errorf("unknown alert kind %q", kind)
	}
}
