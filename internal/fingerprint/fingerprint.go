// Package fingerprint computes stable 256-bit digests of the canonical
// request form. Two semantically equivalent requests (same messages
// after whitespace normalization, same provider, model, and sampling
// options) hash to the same fingerprint across processes and releases.
//
// Excluded from the canonical form: metadata, idempotency key, deadline,
// priority, and the stream flag.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/crucible-ai/crucible/pkg/models"
)

// Of computes the fingerprint of a request as a hex-encoded SHA-256
// digest of its canonical serialization.
func Of(req *models.Request) string {
	h := sha256.New()
	for _, m := range req.Messages {
		h.Write([]byte("m\x00"))
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(Normalize(m.Content)))
		if len(m.ToolCall) > 0 {
			h.Write([]byte("t\x00"))
			h.Write(m.ToolCall)
		}
		h.Write([]byte{0})
	}
	h.Write([]byte("p\x00" + req.Provider + "\x00" + req.Model + "\x00"))
	// Sampling options at full precision, sorted by key.
	opts := []string{
		"max_output_tokens=" + strconv.Itoa(req.Options.MaxOutputTokens),
		"stop=" + strings.Join(req.Options.Stop, "\x01"),
		"temperature=" + strconv.FormatFloat(req.Options.Temperature, 'g', -1, 64),
		"top_p=" + strconv.FormatFloat(req.Options.TopP, 'g', -1, 64),
	}
	for _, o := range opts {
		h.Write([]byte(o))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// OfText computes the digest of a bare text, used as the embedding cache
// key.
func OfText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Normalize collapses runs of whitespace to single spaces and trims the
// edges, leaving fenced code blocks (``` ... ```) verbatim.
func Normalize(s string) string {
	if !strings.Contains(s, "```") {
		return collapse(s)
	}
	var b strings.Builder
	parts := strings.Split(s, "```")
	for i, part := range parts {
		if i > 0 {
			b.WriteString("```")
		}
		if i%2 == 1 {
			// Inside a fence: verbatim.
			b.WriteString(part)
		} else {
			b.WriteString(collapse(part))
		}
	}
	return strings.TrimSpace(b.String())
}

func collapse(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}

// SamplingBucket quantizes sampling parameters into a partition key so
// that comparable requests share a vector index partition. Temperature
// and top-p are bucketed to one decimal, max tokens to its order of
// magnitude.
func SamplingBucket(o models.SamplingOptions) string {
	return fmt.Sprintf("t%.1f-p%.1f-m%d", o.Temperature, o.TopP, magnitude(o.MaxOutputTokens))
}

// Partition builds the vector tier partition key for a request.
func Partition(provider, model string, o models.SamplingOptions) string {
	return provider + "/" + model + "/" + SamplingBucket(o)
}

func magnitude(n int) int {
	if n <= 0 {
		return 0
	}
	m := 1
	for n >= 10 {
		n /= 10
		m *= 10
	}
	return m
}
