package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditconsole/classify/internal/models"
)

type webhook struct {
	mu       sync.Mutex
	messages []SlackMessage
	status   int
}

func (w *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var msg SlackMessage
	_ = json.NewDecoder(r.Body).Decode(&msg)
	w.mu.Lock()
	w.messages = append(w.messages, msg)
	w.mu.Unlock()
	rw.WriteHeader(w.status)
}

func newSlackService(t *testing.T, minLevel models.Level, status int) (*Service, *webhook) {
	t.Helper()
	hook := &webhook{status: status}
	srv := httptest.NewServer(hook)
	t.Cleanup(srv.Close)

	svc := NewService(Config{Slack: SlackConfig{
		WebhookURL: srv.URL,
		Enabled:    true,
		MinLevel:   minLevel,
	}}, nil)
	return svc, hook
}

func TestNotifyReviewRequested(t *testing.T) {
	svc, hook := newSlackService(t, models.LevelConfidential, http.StatusOK)

	asset := &models.DataAsset{
		ID:          uuid.New(),
		Name:        "cards.pan",
		FinalLevel:  models.LevelPtr(models.LevelRestricted),
		SubmittedBy: "op1",
	}
	require.NoError(t, svc.NotifyReviewRequested(context.Background(), asset))

	require.Len(t, hook.messages, 1)
	att := hook.messages[0].Attachments[0]
	assert.Equal(t, "Classification Review Requested", att.Title)
	assert.Equal(t, "#FF0000", att.Color)
	assert.Contains(t, att.Text, "C4")
}

func TestSend_BelowMinLevelIsDropped(t *testing.T) {
	svc, hook := newSlackService(t, models.LevelConfidential, http.StatusOK)

	err := svc.NotifySweepComplete(context.Background(), SweepStats{Scanned: 3, Classified: 3})
	require.NoError(t, err)
	assert.Empty(t, hook.messages)
}

func TestSend_ChannelErrorsAreCollected(t *testing.T) {
	svc, _ := newSlackService(t, models.LevelPublic, http.StatusInternalServerError)

	err := svc.NotifyReviewDecision(context.Background(), &models.DataAsset{
		ID:               uuid.New(),
		Name:             "x",
		SensitivityLevel: models.LevelPtr(models.LevelInternal),
		ReviewerID:       "rev1",
	}, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack returned status 500")
}

func TestFormatEmailBody(t *testing.T) {
	body, err := formatEmailBody(&Notification{
		Title:     "Classification Review Digest",
		Message:   "4 assets are awaiting review",
		Level:     models.LevelConfidential,
		Fields:    []Field{{"Pending Reviews", "4"}},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.True(t, strings.Contains(body, "C3 (confidential data)"))
	assert.Contains(t, body, "<td>Pending Reviews</td><td>4</td>")
}
