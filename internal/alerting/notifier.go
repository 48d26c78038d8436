package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Kind classifies a notification.
type Kind string

const (
	KindHighRisk       Kind = "high_risk"
	KindLedgerTampered Kind = "ledger_tampered"
	KindTest           Kind = "test"
)

// Notification carries the alert context.
type Notification struct {
	Kind Kind
	Time time.Time

	// High-risk transaction fields.
	TransactionID  string
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	Score          int
	Level          string
	Recommendation string
	Reasons        []string

	// Ledger audit fields.
	Blocks      int
	FailedIndex *uint64
	Reason      string

	Channels      []string
	AdditionalMsg string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("kind", string(note.Kind)).
		Str("transaction_id", note.TransactionID).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert sent (telegram)")
	return nil
}

// LogNotifier writes notifications to the log only.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the rendered message at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().Str("kind", string(note.Kind)).Msg(renderMessage(note))
	return nil
}

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

// Notify delivers to every notifier even when some fail.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindLedgerTampered:
		builder.WriteString("[txguard] Ledger integrity check FAILED\n")
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.Time.UTC().Format(time.RFC3339)))
		builder.WriteString(fmt.Sprintf("Blocks: %d\n", note.Blocks))
		if note.FailedIndex != nil {
			builder.WriteString(fmt.Sprintf("First bad block: %d\n", *note.FailedIndex))
		}
		builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	case KindHighRisk:
		builder.WriteString("[txguard] High risk transaction\n")
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.Time.UTC().Format(time.RFC3339)))
		builder.WriteString(fmt.Sprintf("Transaction: %s (user %s)\n", note.TransactionID, note.UserID))
		builder.WriteString(fmt.Sprintf("Amount: %s %s\n", note.Amount.StringFixed(2), note.Currency))
		builder.WriteString(fmt.Sprintf("Score: %d (%s)\n", note.Score, note.Level))
		builder.WriteString(fmt.Sprintf("Action: %s\n", note.Recommendation))
		for _, reason := range note.Reasons {
			builder.WriteString(fmt.Sprintf("- %s\n", reason))
		}
	default:
		builder.WriteString(fmt.Sprintf("[txguard] %s notification\n", note.Kind))
		builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.Time.UTC().Format(time.RFC3339)))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
