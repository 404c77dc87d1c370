package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadflow/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		UnscoredRateThreshold: 0.20,
		MaxReviewBacklog:      50,
		MaxRetryBacklog:       25,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		CandidatesTotal: 100,
		Unscored:        5,
		UnscoredRate:    0.05,
		ReviewBacklog:   10,
		RetryBacklog:    2,
		Circuits:        map[string]string{"scorer:heuristic": "closed", "sink:slack": "half-open"},
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_UnscoredRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		CandidatesTotal: 20,
		Unscored:        8,
		UnscoredRate:    0.4,
		LookbackHours:   24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertUnscoredRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_MinimumCandidatesRequired(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	// 2 of 3 unscored is 66% but below the 5-candidate minimum.
	snap := &MetricsSnapshot{
		CandidatesTotal: 3,
		Unscored:        2,
		UnscoredRate:    0.66,
		LookbackHours:   24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_Backlogs(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		ReviewBacklog: 51,
		RetryBacklog:  30,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertReviewBacklog, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "51 items")
	assert.Equal(t, AlertRetryBacklog, alerts[1].Type)
	assert.Contains(t, alerts[1].Message, "30 events")
}

func TestAlerter_Evaluate_ZeroThresholdsDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		CandidatesTotal: 100,
		Unscored:        100,
		UnscoredRate:    1,
		ReviewBacklog:   999,
		RetryBacklog:    999,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_CircuitOpen(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{Circuits: map[string]string{
		"sink:salesforce": "open",
		"scorer:llm":      "open",
		"sink:slack":      "closed",
	}})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertCircuitOpen, alerts[0].Type)
	assert.Equal(t, "scorer:llm", alerts[0].Details["dependency"])
	assert.Contains(t, alerts[0].Message, "queued for retry")
	assert.Equal(t, "sink:salesforce", alerts[1].Details["dependency"])
	assert.Contains(t, alerts[1].Message, `Lead sink "salesforce"`)
}

func TestAlerter_Evaluate_StoreUnreachable(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{StoreError: "dial tcp: connection refused"})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStoreUnreachable, alerts[0].Type)
	assert.Equal(t, "critical", alerts[0].Severity)
	assert.Equal(t, "dial tcp: connection refused", alerts[0].Details["error"])
}

func TestDegradedClassifier(t *testing.T) {
	alert := DegradedClassifier("evt_1", 5, "classifier unavailable")
	assert.Equal(t, AlertDegradedClassifier, alert.Type)
	assert.Equal(t, "high", alert.Severity)
	assert.Contains(t, alert.Message, "evt_1")
	assert.Equal(t, 5, alert.Details["retries"])
	assert.False(t, alert.Timestamp.IsZero())
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

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertUnscoredRate, Severity: "high", Message: "test alert 1"},
		DegradedClassifier("evt_2", 3, "timeout"),
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertReviewBacklog, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertRetryBacklog, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}
