package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/auditconsole/classify/internal/models"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyReviewRequested NotificationType = "review_requested"
	NotifyReviewApproved  NotificationType = "review_approved"
	NotifyReviewRejected  NotificationType = "review_rejected"
	NotifySweepComplete   NotificationType = "sweep_complete"
	NotifyPendingDigest   NotificationType = "pending_digest"
)

// Field is one labelled value shown with a notification.
type Field struct {
	Title string
	Value string
}

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Level     models.Level
	Fields    []Field
	Timestamp time.Time
}

// Config holds notification configuration
type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

// SlackConfig holds Slack configuration
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	IconEmoji  string
	Enabled    bool
	MinLevel   models.Level // Lowest sensitivity level that triggers a message
}

// EmailConfig holds email configuration
type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	To       []string
	Enabled  bool
	MinLevel models.Level
}

// Service handles notifications
type Service struct {
	config Config
	logger *slog.Logger
	client *http.Client
}

// NewService creates a new notification service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send sends a notification to all enabled channels
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var result *multierror.Error

	if s.config.Slack.Enabled && notif.Level >= s.config.Slack.MinLevel {
		if err := s.sendSlack(ctx, notif); err != nil {
			result = multierror.Append(result, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && notif.Level >= s.config.Email.MinLevel {
		if err := s.sendEmail(ctx, notif); err != nil {
			result = multierror.Append(result, fmt.Errorf("email: %w", err))
		}
	}

	return result.ErrorOrNil()
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

// sendSlack sends a notification to Slack
func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	fields := make([]SlackField, 0, len(notif.Fields))
	for _, f := range notif.Fields {
		fields = append(fields, SlackField{Title: f.Title, Value: f.Value, Short: len(f.Value) < 40})
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     levelColor(notif.Level),
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "Data Classification Console",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent",
		"type", notif.Type,
		"title", notif.Title)

	return nil
}

// levelColor converts a sensitivity level to a Slack color
func levelColor(level models.Level) string {
	switch level {
	case models.LevelRestricted:
		return "#FF0000"
	case models.LevelConfidential:
		return "#FFA500"
	case models.LevelInternal:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}

// sendEmail sends a notification via email
func (s *Service) sendEmail(ctx context.Context, notif *Notification) error {
	subject := fmt.Sprintf("[Classification] %s", notif.Title)
	body, err := formatEmailBody(notif)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	auth := smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	// smtp.SendMail has no context; give up early if the caller already has.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := smtp.SendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg)); err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))

	return nil
}

// buildEmailMessage builds an email message
func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

var emailTemplate = template.Must(template.New("email").Parse(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; }
        .header { padding: 20px; background: {{.Color}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .data-table td:first-child { font-weight: bold; width: 30%; }
        .footer { padding: 15px 20px; background: #f9f9f9; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header"><h2 style="margin:0;">{{.Title}}</h2></div>
        <div class="content">
            <p>{{.Message}}</p>
            <p>Level: <strong>{{.Level}}</strong></p>
            {{if .Fields}}
            <table class="data-table">
                {{range .Fields}}<tr><td>{{.Title}}</td><td>{{.Value}}</td></tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer"><p>Generated at: {{.Timestamp}}</p></div>
    </div>
</body>
</html>
`))

// formatEmailBody formats the email body
func formatEmailBody(notif *Notification) (string, error) {
	data := struct {
		Title     string
		Message   string
		Level     string
		Color     string
		Fields    []Field
		Timestamp string
	}{
		Title:     notif.Title,
		Message:   notif.Message,
		Level:     fmt.Sprintf("%s (%s)", notif.Level, notif.Level.Description()),
		Color:     levelColor(notif.Level),
		Fields:    notif.Fields,
		Timestamp: notif.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// NotifyReviewRequested tells reviewers that a proposal is waiting for them.
func (s *Service) NotifyReviewRequested(ctx context.Context, asset *models.DataAsset) error {
	level := levelOrDefault(asset.FinalLevel)
	notif := &Notification{
		Type:    NotifyReviewRequested,
		Title:   "Classification Review Requested",
		Message: fmt.Sprintf("%s proposed %s for %s", asset.SubmittedBy, level, asset.Name),
		Level:   level,
		Fields: []Field{
			{"Asset", asset.Name},
			{"Asset ID", asset.ID.String()},
			{"Proposed Level", level.String()},
			{"Current Level", levelLabel(asset.SensitivityLevel)},
			{"Submitted By", asset.SubmittedBy},
		},
		Timestamp: time.Now(),
	}
	if asset.ClassificationBasis != "" {
		notif.Fields = append(notif.Fields, Field{"Basis", asset.ClassificationBasis})
	}

	return s.Send(ctx, notif)
}

// NotifyReviewDecision tells the submitter how their proposal was decided.
func (s *Service) NotifyReviewDecision(ctx context.Context, asset *models.DataAsset, approved bool) error {
	notif := &Notification{
		Type:    NotifyReviewRejected,
		Title:   "Classification Rejected",
		Message: fmt.Sprintf("%s rejected the proposal for %s", asset.ReviewerID, asset.Name),
		Level:   levelOrDefault(asset.EffectiveLevel()),
		Fields: []Field{
			{"Asset", asset.Name},
			{"Approved Level", levelLabel(asset.SensitivityLevel)},
			{"Reviewer", asset.ReviewerID},
			{"Comment", asset.ReviewComment},
		},
		Timestamp: time.Now(),
	}
	if approved {
		notif.Type = NotifyReviewApproved
		notif.Title = "Classification Approved"
		notif.Message = fmt.Sprintf("%s approved %s for %s", asset.ReviewerID, levelLabel(asset.SensitivityLevel), asset.Name)
	}

	return s.Send(ctx, notif)
}

// SweepStats summarizes one pass over unclassified assets.
type SweepStats struct {
	Operator   string
	Scanned    int
	Classified int
	Staged     int
	Skipped    int
	Failed     int
	Duration   time.Duration
}

// NotifySweepComplete reports the outcome of an unclassified-asset sweep.
func (s *Service) NotifySweepComplete(ctx context.Context, stats SweepStats) error {
	level := models.LevelPublic
	if stats.Failed > 0 {
		level = models.LevelConfidential
	} else if stats.Staged > 0 {
		level = models.LevelInternal
	}

	notif := &Notification{
		Type:    NotifySweepComplete,
		Title:   "Classification Sweep Completed",
		Message: fmt.Sprintf("Classified %d of %d unclassified assets", stats.Classified, stats.Scanned),
		Level:   level,
		Fields: []Field{
			{"Operator", stats.Operator},
			{"Scanned", fmt.Sprintf("%d", stats.Scanned)},
			{"Classified", fmt.Sprintf("%d", stats.Classified)},
			{"Awaiting Review", fmt.Sprintf("%d", stats.Staged)},
			{"Skipped", fmt.Sprintf("%d", stats.Skipped)},
			{"Failed", fmt.Sprintf("%d", stats.Failed)},
			{"Duration", stats.Duration.Round(time.Millisecond).String()},
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// DigestStats holds the periodic review backlog summary
type DigestStats struct {
	Period         string
	PendingReviews int
	OldestPending  *time.Time
	LevelCounts    map[string]int
}

// NotifyPendingDigest sends the review backlog digest.
func (s *Service) NotifyPendingDigest(ctx context.Context, stats DigestStats) error {
	level := models.LevelPublic
	switch {
	case stats.PendingReviews > 50:
		level = models.LevelRestricted
	case stats.PendingReviews > 10:
		level = models.LevelConfidential
	case stats.PendingReviews > 0:
		level = models.LevelInternal
	}

	fields := []Field{
		{"Period", stats.Period},
		{"Pending Reviews", fmt.Sprintf("%d", stats.PendingReviews)},
	}
	if stats.OldestPending != nil {
		fields = append(fields, Field{"Oldest Pending", stats.OldestPending.Format(time.RFC1123)})
	}
	for l := models.MinLevel; l <= models.MaxLevel; l++ {
		fields = append(fields, Field{l.String() + " Assets", fmt.Sprintf("%d", stats.LevelCounts[l.String()])})
	}
	fields = append(fields, Field{"Unclassified", fmt.Sprintf("%d", stats.LevelCounts["UNCLASSIFIED"])})

	notif := &Notification{
		Type:      NotifyPendingDigest,
		Title:     "Classification Review Digest",
		Message:   fmt.Sprintf("%d assets are awaiting review", stats.PendingReviews),
		Level:     level,
		Fields:    fields,
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

func levelOrDefault(l *models.Level) models.Level {
	if l == nil {
		return models.DefaultLevel
	}
	return *l
}

func levelLabel(l *models.Level) string {
	if l == nil {
		return "unclassified"
	}
	return l.String()
}
