package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/inbound"
	"github.com/goliatone/go-deadlines/webhooks"
)

// webhook acknowledges every callback with 200 "OK". The only other answer
// is 403 for a rejected signature.
func (s *Server) webhook(kind webhooks.EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
		if err != nil {
			core.Log(ctx, s.logger, core.LogError, "webhook body could not be read", map[string]any{
				"kind":  string(kind),
				"error": err.Error(),
			})
			writeAck(w)
			return
		}

		receipt, err := s.receiver.Receive(ctx, inbound.Request{
			Kind:        kind,
			URL:         s.publicURL(r),
			ContentType: r.Header.Get("Content-Type"),
			Headers:     flattenHeaders(r.Header),
			Body:        body,
			ReceivedAt:  s.now(),
		})
		if receipt.StatusCode == http.StatusForbidden {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if err != nil {
			core.Log(ctx, s.logger, core.LogWarn, "webhook receive reported an error", map[string]any{
				"kind":  string(kind),
				"error": err.Error(),
			})
		}
		writeAck(w)
	}
}

// publicURL rebuilds the URL the provider called, which is what it signed.
func (s *Server) publicURL(r *http.Request) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme, _, _ = strings.Cut(proto, ",")
		scheme = strings.TrimSpace(scheme)
	}
	host := r.Host
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); forwarded != "" {
		host, _, _ = strings.Cut(forwarded, ",")
		host = strings.TrimSpace(host)
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func flattenHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) == 0 {
			continue
		}
		out[key] = strings.Join(values, ",")
	}
	return out
}
