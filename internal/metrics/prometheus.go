package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	// Process uptime
	sb.WriteString("# HELP chatstream_uptime_seconds Time since the coordinator started\n")
	sb.WriteString("# TYPE chatstream_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("chatstream_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	// Total requests by endpoint
	sb.WriteString("# HELP chatstream_requests_total Total number of requests by endpoint\n")
	sb.WriteString("# TYPE chatstream_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		count := snap.TotalRequests[endpoint]
		sb.WriteString(fmt.Sprintf("chatstream_requests_total{endpoint=\"%s\"} %d\n", endpoint, count))
	}
	sb.WriteString("\n")

	// Request errors by endpoint
	sb.WriteString("# HELP chatstream_request_errors_total Total number of request errors by endpoint\n")
	sb.WriteString("# TYPE chatstream_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		count := snap.RequestErrors[endpoint]
		sb.WriteString(fmt.Sprintf("chatstream_request_errors_total{endpoint=\"%s\"} %d\n", endpoint, count))
	}
	sb.WriteString("\n")

	// Request duration
	sb.WriteString("# HELP chatstream_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE chatstream_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		duration := snap.TotalRequestsDur[endpoint]
		sb.WriteString(fmt.Sprintf("chatstream_request_duration_ms_total{endpoint=\"%s\"} %d\n", endpoint, duration))
	}
	sb.WriteString("\n")

	// Sessions started by model
	sb.WriteString("# HELP chatstream_sessions_started_total Streaming sessions started by model\n")
	sb.WriteString("# TYPE chatstream_sessions_started_total counter\n")
	for _, model := range sortedKeys(snap.SessionsStarted) {
		count := snap.SessionsStarted[model]
		sb.WriteString(fmt.Sprintf("chatstream_sessions_started_total{model=\"%s\"} %d\n", model, count))
	}
	sb.WriteString("\n")

	// Terminal sessions by status
	sb.WriteString("# HELP chatstream_sessions_ended_total Terminal sessions by status\n")
	sb.WriteString("# TYPE chatstream_sessions_ended_total counter\n")
	for _, status := range sortedKeys(snap.SessionsByStatus) {
		count := snap.SessionsByStatus[status]
		sb.WriteString(fmt.Sprintf("chatstream_sessions_ended_total{status=\"%s\"} %d\n", status, count))
	}
	sb.WriteString("\n")

	// Active sessions
	sb.WriteString("# HELP chatstream_sessions_active Current number of streaming sessions\n")
	sb.WriteString("# TYPE chatstream_sessions_active gauge\n")
	sb.WriteString(fmt.Sprintf("chatstream_sessions_active %d\n", snap.SessionsActive))
	sb.WriteString("\n")

	// Tokens streamed
	sb.WriteString("# HELP chatstream_tokens_streamed_total Total tokens streamed to consumers\n")
	sb.WriteString("# TYPE chatstream_tokens_streamed_total counter\n")
	sb.WriteString(fmt.Sprintf("chatstream_tokens_streamed_total %d\n", snap.TotalTokensStreamed))
	sb.WriteString("\n")

	// Tokens by model
	sb.WriteString("# HELP chatstream_tokens_by_model_total Total tokens streamed by model\n")
	sb.WriteString("# TYPE chatstream_tokens_by_model_total counter\n")
	for _, model := range sortedKeys(snap.TokensByModel) {
		count := snap.TokensByModel[model]
		sb.WriteString(fmt.Sprintf("chatstream_tokens_by_model_total{model=\"%s\"} %d\n", model, count))
	}
	sb.WriteString("\n")

	// Credits
	sb.WriteString("# HELP chatstream_credits_charged_total Total credits charged at settlement\n")
	sb.WriteString("# TYPE chatstream_credits_charged_total counter\n")
	sb.WriteString(fmt.Sprintf("chatstream_credits_charged_total %d\n", snap.TotalCreditsCharged))
	sb.WriteString("\n")

	sb.WriteString("# HELP chatstream_credits_refunded_total Total credits refunded at settlement\n")
	sb.WriteString("# TYPE chatstream_credits_refunded_total counter\n")
	sb.WriteString(fmt.Sprintf("chatstream_credits_refunded_total %d\n", snap.TotalCreditsRefunded))
	sb.WriteString("\n")

	// Observers dropped
	sb.WriteString("# HELP chatstream_observers_dropped_total Observers removed for falling behind\n")
	sb.WriteString("# TYPE chatstream_observers_dropped_total counter\n")
	sb.WriteString(fmt.Sprintf("chatstream_observers_dropped_total %d\n", snap.ObserversDropped))
	sb.WriteString("\n")

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
