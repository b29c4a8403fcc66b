package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/exchange-feed/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		DeadLetterThreshold:    10,
		ReviewBacklogThreshold: 100,
	})

	snap := &MetricsSnapshot{
		Queues:          []QueueDepth{{Queue: "classify", Depth: 50, Dead: 3}},
		ReviewUnclaimed: 20,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_DeadLetterDepth(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{DeadLetterThreshold: 10})

	snap := &MetricsSnapshot{
		Queues: []QueueDepth{
			{Queue: "scrape", Dead: 1},
			{Queue: "classify", Dead: 12},
			{Queue: "notify", Dead: 10},
		},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertDeadLetterDepth, alerts[0].Type)
	assert.Equal(t, "dead_letter_depth:classify", alerts[0].Key)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "12 jobs dead-lettered on classify")
	assert.Equal(t, "dead_letter_depth:notify", alerts[1].Key)
}

func TestAlerter_Evaluate_ReviewBacklog(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{ReviewBacklogThreshold: 50})

	alerts := a.Evaluate(&MetricsSnapshot{ReviewUnclaimed: 51, ReviewClaimed: 3})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertReviewBacklog, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "51 review tasks")
}

func TestAlerter_Evaluate_ZeroThresholdsDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		Queues:          []QueueDepth{{Queue: "classify", Dead: 999}},
		ReviewUnclaimed: 999,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	alerts := []Alert{
		{Type: AlertDeadLetterDepth, Key: "dead_letter_depth:classify", Severity: "high", Message: "test alert 1"},
		{Type: AlertReviewBacklog, Key: "review_backlog", Severity: "medium", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_Cooldown(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL, AlertCooldownMins: 30})
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	alerts := []Alert{{Type: AlertReviewBacklog, Key: "review_backlog", Message: "backlog"}}

	assert.Equal(t, 1, a.SendAlerts(context.Background(), alerts))
	assert.Equal(t, 0, a.SendAlerts(context.Background(), alerts), "suppressed inside cooldown")

	now = now.Add(31 * time.Minute)
	assert.Equal(t, 1, a.SendAlerts(context.Background(), alerts))
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: ""})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertDeadLetterDepth, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookErrorNotCooled(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL, AlertCooldownMins: 30})
	alerts := []Alert{{Type: AlertDeadLetterDepth, Key: "dead_letter_depth:notify", Message: "test"}}

	assert.Equal(t, 0, a.SendAlerts(context.Background(), alerts))

	fail.Store(false)
	assert.Equal(t, 1, a.SendAlerts(context.Background(), alerts), "a failed send does not start the cooldown")
}
