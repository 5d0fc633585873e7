package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/crucible-ai/crucible/internal/fault"
	"github.com/crucible-ai/crucible/pkg/models"
)

// classifyStatus maps an HTTP status from a provider API to the error
// taxonomy. Adapters call this instead of inventing per-status handling.
func classifyStatus(providerID string, status int, body string) error {
	msg := fmt.Sprintf("provider returned %d: %s", status, truncate(body, 200))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.New(fault.KindFatal, msg).WithProvider(providerID)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return fault.New(fault.KindRetryable, msg).WithProvider(providerID)
	default:
		// 4xx input errors: bad request, context length, content filter.
		return fault.New(fault.KindNonRetryable, msg).WithProvider(providerID)
	}
}

// classifyTransport wraps a transport-level error. Connection resets and
// timeouts are retryable; caller cancellation keeps its own kind.
func classifyTransport(providerID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fault.Wrap(fault.KindRetryable, err, "transport failure").WithProvider(providerID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// estimateTokens is the deterministic token approximation shared by the
// built-in adapters: one token per four characters, floored at the word
// count. Close enough for budgeting; actual usage reconciles it.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	chars := utf8.RuneCountInString(text)
	words := len(strings.Fields(text))
	return int(math.Max(float64(words), math.Ceil(float64(chars)/4)))
}

// promptTokens estimates the token count of a full message sequence,
// with a small per-message envelope overhead.
func promptTokens(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateTokens(m.Content) + 4
	}
	return total
}
