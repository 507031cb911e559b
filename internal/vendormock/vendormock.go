// Package vendormock simulates the downstream sync and async vendors for local runs.
package vendormock

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"time"
)

// Config holds simulator timings
type Config struct {
	SyncMinDelay      time.Duration
	SyncMaxDelay      time.Duration
	AsyncMinDelay     time.Duration
	AsyncMaxDelay     time.Duration
	FailureRate       float64
	WebhookTimeout    time.Duration
	WebhookRetryDelay time.Duration
}

type processRequest struct {
	RequestID  string          `json:"request_id"`
	Payload    json.RawMessage `json:"payload"`
	WebhookURL string          `json:"webhook_url"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type processedData struct {
	RequestID        string          `json:"request_id"`
	Vendor           string          `json:"vendor"`
	ProcessedAt      string          `json:"processed_at"`
	OriginalPayload  json.RawMessage `json:"original_payload"`
	ProcessedData    any             `json:"processed_data"`
	ProcessingTimeMS int64           `json:"processing_time_ms"`
	Status           string          `json:"status"`
}

type rateLimitStatus struct {
	CurrentUsage int    `json:"current_usage"`
	Limit        int    `json:"limit"`
	Window       string `json:"window"`
	Remaining    int    `json:"remaining"`
	ResetTime    string `json:"reset_time"`
}

func randomDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// trimStrings decodes payload and trims every string value in it
func trimStrings(payload json.RawMessage, logger *slog.Logger) any {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		logger.Warn("Payload is not valid JSON, returning it unprocessed", slog.String("error", err.Error()))
		return payload
	}
	return trim(v)
}

func trim(v any) any {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		for i := range t {
			t[i] = trim(t[i])
		}
		return t
	case map[string]any:
		for k, item := range t {
			t[k] = trim(item)
		}
		return t
	default:
		return v
	}
}

func isMissing(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
