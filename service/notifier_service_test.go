package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyDeliversToBothSinks(t *testing.T) {
	var webhookBody, slackBody []byte

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookBody, _ = io.ReadAll(r.Body)
	}))
	defer webhook.Close()
	slack := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackBody, _ = io.ReadAll(r.Body)
	}))
	defer slack.Close()

	n := NewNotifier(webhook.URL, slack.URL)
	n.Notify(context.Background(), "high_risk_transaction", SeverityCritical, "risky payment", map[string]interface{}{
		"tx_id": 7,
	})

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(webhookBody, &payload))
	assert.Equal(t, "high_risk_transaction", payload["type"])
	assert.Equal(t, "critical", payload["severity"])
	assert.Equal(t, "risky payment", payload["message"])
	assert.NotEmpty(t, payload["timestamp"])

	var slackPayload map[string]interface{}
	require.NoError(t, json.Unmarshal(slackBody, &slackPayload))
	attachments, ok := slackPayload["attachments"].([]interface{})
	require.True(t, ok)
	require.Len(t, attachments, 1)
	attachment := attachments[0].(map[string]interface{})
	assert.Equal(t, "#dc3545", attachment["color"])
	assert.Contains(t, attachment["text"], "CRITICAL")
}

func TestNotifyFailingSinkDoesNotBlockOther(t *testing.T) {
	delivered := false

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered = true
	}))
	defer healthy.Close()

	n := NewNotifier(failing.URL, healthy.URL)
	n.Notify(context.Background(), "urgent_review", SeverityCritical, "msg", nil)

	assert.True(t, delivered)
}

func TestNotifyWithoutSinksIsNoop(t *testing.T) {
	n := NewNotifier("", "")

	assert.NotPanics(t, func() {
		n.Notify(context.Background(), "anything", SeverityInfo, "msg", nil)
	})
}
