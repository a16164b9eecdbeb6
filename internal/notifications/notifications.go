package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/qualys/costwatch/internal/models"
)

// maxAttachments bounds the anomalies listed in one Slack message.
const maxAttachments = 10

// Notification represents a notification to be sent
type Notification struct {
	Title       string
	Message     string
	Severity    models.Severity
	Attachments []SlackAttachment
	Timestamp   time.Time
}

// SlackConfig holds Slack configuration
type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinSeverity models.Severity // Minimum severity to notify
}

// Service handles notifications
type Service struct {
	config SlackConfig
	logger *slog.Logger
	client *http.Client
}

// NewService creates a new notification service
func NewService(config SlackConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MinSeverity == "" {
		config.MinSeverity = models.SeverityHigh
	}

	return &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyAnomalies posts the anomalies at or above the configured minimum
// severity. Nothing is sent when none qualify.
func (s *Service) NotifyAnomalies(ctx context.Context, userID string, anomalies []models.Anomaly) error {
	if !s.config.Enabled {
		return nil
	}

	var selected []models.Anomaly
	worst := models.SeverityLow
	for _, a := range anomalies {
		if a.Severity.Rank() < s.config.MinSeverity.Rank() {
			continue
		}
		selected = append(selected, a)
		if a.Severity.Rank() > worst.Rank() {
			worst = a.Severity
		}
	}
	if len(selected) == 0 {
		return nil
	}

	notif := &Notification{
		Title:     fmt.Sprintf("%d cost anomalies detected", len(selected)),
		Message:   fmt.Sprintf("Anomaly detection for user %s flagged %d of %d anomalies at %s severity or above.", userID, len(selected), len(anomalies), s.config.MinSeverity),
		Severity:  worst,
		Timestamp: time.Now(),
	}
	for i, a := range selected {
		if i == maxAttachments {
			break
		}
		notif.Attachments = append(notif.Attachments, anomalyAttachment(a))
	}

	return s.Send(ctx, notif)
}

func anomalyAttachment(a models.Anomaly) SlackAttachment {
	return SlackAttachment{
		Color:    severityToColor(a.Severity),
		Title:    fmt.Sprintf("%s %s on %s", a.Severity, a.Type, a.Date.Format(time.DateOnly)),
		Text:     a.Description,
		Fallback: a.Description,
		Fields: []SlackField{
			{Title: "Account", Value: orAll(a.AccountID), Short: true},
			{Title: "Service", Value: orAll(a.Service), Short: true},
			{Title: "Cost", Value: fmt.Sprintf("$%.2f", a.Cost), Short: true},
			{Title: "Expected", Value: fmt.Sprintf("$%.2f", a.ExpectedCost), Short: true},
		},
	}
}

func orAll(v string) string {
	if v == "" {
		return "all"
	}
	return v
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Send posts a notification to the Slack webhook.
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	if s.config.WebhookURL == "" {
		return fmt.Errorf("slack webhook url is not configured")
	}

	attachments := append([]SlackAttachment{{
		Color:     severityToColor(notif.Severity),
		Title:     notif.Title,
		Text:      notif.Message,
		Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
		Footer:    "Cost Watch",
		Timestamp: notif.Timestamp.Unix(),
	}}, notif.Attachments...)

	msg := SlackMessage{
		Channel:     s.config.Channel,
		Username:    s.config.Username,
		IconEmoji:   s.config.IconEmoji,
		Attachments: attachments,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent", "title", notif.Title)
	return nil
}

// severityToColor converts severity to Slack color
func severityToColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#FF0000"
	case models.SeverityHigh:
		return "#FFA500"
	case models.SeverityMedium:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}
