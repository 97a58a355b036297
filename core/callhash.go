package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const callHashSeparator = "_"

// NewCallHash mints a correlation token of the form {transferID}_{unix}_{random}.
func NewCallHash(transferID string, now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%s%d%s%s",
		strings.TrimSpace(transferID), callHashSeparator,
		now.Unix(), callHashSeparator,
		random,
	)
}

// TransferIDFromCallHash returns the leading segment of a call hash.
func TransferIDFromCallHash(hash string) (string, bool) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return "", false
	}
	head, _, _ := strings.Cut(hash, callHashSeparator)
	head = strings.TrimSpace(head)
	if head == "" {
		return "", false
	}
	return head, true
}

// NormalizePhone strips formatting and forces the leading + of E.164.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" || out == "+" {
		return ""
	}
	if strings.HasPrefix(out, "00") {
		out = "+" + out[2:]
	}
	if !strings.HasPrefix(out, "+") {
		out = "+" + out
	}
	return out
}

// PhoneVariants lists the spellings a stored number may use for the same line.
func PhoneVariants(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	normalized := NormalizePhone(trimmed)
	if normalized == "" {
		return nil
	}
	variants := []string{normalized, strings.TrimPrefix(normalized, "+")}
	if trimmed != normalized && trimmed != variants[1] {
		variants = append(variants, trimmed)
	}
	return variants
}
