package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// ContentType is the Prometheus text exposition content type.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

// FormatPrometheus renders snap in the Prometheus text format.
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	writeHeader(&sb, "chatrelay_uptime_seconds", "gauge", "Time since the relay started")
	fmt.Fprintf(&sb, "chatrelay_uptime_seconds %d\n\n", snap.Uptime)

	writeLabeled(&sb, "chatrelay_exchanges_total", "counter", "Finished exchanges by route", "route", snap.Exchanges, nil)
	writeLabeled(&sb, "chatrelay_exchange_failures_total", "counter", "Exchanges that ended with an error by route", "route", snap.Failures, nil)
	writeLabeled(&sb, "chatrelay_exchange_duration_ms_total", "counter", "Total exchange duration in milliseconds", "route", snap.ExchangeDuration, nil)

	writeHeader(&sb, "chatrelay_streams_in_flight", "gauge", "Streams currently open")
	for _, route := range sortedKeys(snap.InFlight) {
		if n := snap.InFlight[route]; n > 0 {
			fmt.Fprintf(&sb, "chatrelay_streams_in_flight{route=%q} %d\n", route, n)
		}
	}
	sb.WriteString("\n")

	writeHeader(&sb, "chatrelay_rate_limit_hits_total", "counter", "Requests rejected by the rate limiter")
	fmt.Fprintf(&sb, "chatrelay_rate_limit_hits_total %d\n\n", snap.RateLimitHits)
	writeLabeled(&sb, "chatrelay_rate_limit_by_key_total", "counter", "Rate limit rejections by caller", "key", snap.RateLimitByKey, maskKey)

	writeHeader(&sb, "chatrelay_prompt_tokens_total", "counter", "Estimated prompt tokens relayed")
	fmt.Fprintf(&sb, "chatrelay_prompt_tokens_total %d\n\n", snap.PromptTokens)
	writeHeader(&sb, "chatrelay_completion_tokens_total", "counter", "Estimated completion tokens relayed")
	fmt.Fprintf(&sb, "chatrelay_completion_tokens_total %d\n\n", snap.CompletionTokens)

	writeLabeled(&sb, "chatrelay_tokens_by_model_total", "counter", "Estimated tokens by model", "model", snap.TokensByModel, nil)
	writeLabeled(&sb, "chatrelay_tokens_by_subject_total", "counter", "Estimated tokens by caller", "subject", snap.TokensBySubject, maskKey)

	return sb.String()
}

func writeHeader(sb *strings.Builder, name, kind, help string) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func writeLabeled(sb *strings.Builder, name, kind, help, label string, values map[string]int64, mask func(string) string) {
	writeHeader(sb, name, kind, help)
	for _, key := range sortedKeys(values) {
		shown := key
		if mask != nil {
			shown = mask(key)
		}
		fmt.Fprintf(sb, "%s{%s=%q} %d\n", name, label, shown, values[key])
	}
	sb.WriteString("\n")
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// maskKey keeps the last four characters of a caller key.
func maskKey(key string) string {
	if key == OtherCallers {
		return key
	}
	if len(key) <= 4 {
		return "caller_***"
	}
	return "caller_***" + key[len(key)-4:]
}
