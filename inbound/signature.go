package inbound

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"mime"
	"net/url"
	"sort"
	"strings"
)

const SignatureHeader = "X-Twilio-Signature"

type Verifier interface {
	Verify(ctx context.Context, req Request) error
}

// SignatureVerifier checks the provider request signature: HMAC-SHA1 keyed by
// the account auth token over the public URL followed by every form key and
// value in key order. JSON callbacks sign the URL alone and carry the body
// digest in the bodySHA256 query parameter.
type SignatureVerifier struct {
	AuthToken string
	Header    string
}

func NewSignatureVerifier(authToken string) SignatureVerifier {
	return SignatureVerifier{AuthToken: strings.TrimSpace(authToken), Header: SignatureHeader}
}

func (v SignatureVerifier) Verify(_ context.Context, req Request) error {
	header := v.Header
	if strings.TrimSpace(header) == "" {
		header = SignatureHeader
	}
	signature := headerValue(req.Headers, header)
	if signature == "" {
		return fmt.Errorf("inbound: %s header is required", header)
	}
	token := strings.TrimSpace(v.AuthToken)
	if token == "" {
		return fmt.Errorf("inbound: signature secret is required")
	}
	decoded, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("inbound: decode signature: %w", err)
	}

	payload, err := signedPayload(req)
	if err != nil {
		return err
	}
	expected := Sign(token, payload)
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return fmt.Errorf("inbound: signature verification failed")
	}
	return nil
}

// Sign returns the raw HMAC-SHA1 of payload.
func Sign(authToken string, payload string) []byte {
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// SignatureFor renders the header value a provider would send for req.
func SignatureFor(authToken string, req Request) (string, error) {
	payload, err := signedPayload(req)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(Sign(authToken, payload)), nil
}

func signedPayload(req Request) (string, error) {
	target := strings.TrimSpace(req.URL)
	if target == "" {
		return "", fmt.Errorf("inbound: request url is required for signature checks")
	}
	mediaType, _, _ := mime.ParseMediaType(req.ContentType)
	if !strings.EqualFold(mediaType, "application/x-www-form-urlencoded") {
		parsed, err := url.Parse(target)
		if err != nil {
			return "", fmt.Errorf("inbound: parse request url: %w", err)
		}
		digest := parsed.Query().Get("bodySHA256")
		if digest != "" {
			sum := sha256.Sum256(req.Body)
			if subtle.ConstantTimeCompare([]byte(strings.ToLower(digest)), []byte(hex.EncodeToString(sum[:]))) != 1 {
				return "", fmt.Errorf("inbound: body digest mismatch")
			}
		}
		return target, nil
	}

	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return "", fmt.Errorf("inbound: parse form body: %w", err)
	}
	keys := make([]string, 0, len(form))
	for key := range form {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(target)
	for _, key := range keys {
		values := append([]string(nil), form[key]...)
		sort.Strings(values)
		for _, value := range values {
			b.WriteString(key)
			b.WriteString(value)
		}
	}
	return b.String(), nil
}
