package webhooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

type EventKind string

const (
	EventFlow   EventKind = "flow"
	EventStatus EventKind = "status"
	EventDTMF   EventKind = "dtmf"
)

func ParseEventKind(raw string) (EventKind, bool) {
	switch EventKind(strings.ToLower(strings.TrimSpace(raw))) {
	case EventFlow:
		return EventFlow, true
	case EventStatus:
		return EventStatus, true
	case EventDTMF:
		return EventDTMF, true
	default:
		return "", false
	}
}

const maxNestedBodyDepth = 3

// RawWebhookFields is the typed view of every field the reducer reads.
// Values stay as the provider sent them; Extra keeps the remainder.
type RawWebhookFields struct {
	FlowSID          string
	ExecutionSID     string
	CallSID          string
	Event            string
	WidgetName       string
	To               string
	From             string
	Digits           string
	CallHash         string
	Action           string
	TransferID       string
	CallStatus       string
	DialCallStatus   string
	ExecutionStatus  string
	CallDuration     string
	ConfirmationCode string
	AnsweredBy       string
	Extra            map[string]string
}

// ExecutionID prefers the flow execution sid over the call sid.
func (f RawWebhookFields) ExecutionID() string {
	if f.ExecutionSID != "" {
		return f.ExecutionSID
	}
	return f.CallSID
}

// Map returns every known and extra field, useful for audit details.
func (f RawWebhookFields) Map() map[string]any {
	out := map[string]any{}
	for key, value := range f.Extra {
		out[key] = value
	}
	for key, value := range map[string]string{
		"flow_sid":          f.FlowSID,
		"execution_sid":     f.ExecutionSID,
		"call_sid":          f.CallSID,
		"event":             f.Event,
		"widget_name":       f.WidgetName,
		"to":                f.To,
		"from":              f.From,
		"digits":            f.Digits,
		"call_hash":         f.CallHash,
		"action":            f.Action,
		"transfer_id":       f.TransferID,
		"call_status":       f.CallStatus,
		"dial_call_status":  f.DialCallStatus,
		"execution_status":  f.ExecutionStatus,
		"call_duration":     f.CallDuration,
		"confirmation_code": f.ConfirmationCode,
		"answered_by":       f.AnsweredBy,
	} {
		if value != "" {
			out[key] = value
		}
	}
	return out
}

var fieldAliases = []struct {
	target  func(*RawWebhookFields) *string
	aliases []string
}{
	{func(f *RawWebhookFields) *string { return &f.FlowSID }, []string{"flow_sid", "FlowSid", "flowSid"}},
	{func(f *RawWebhookFields) *string { return &f.ExecutionSID }, []string{"execution_sid", "ExecutionSid", "executionSid"}},
	{func(f *RawWebhookFields) *string { return &f.CallSID }, []string{"CallSid", "call_sid", "callSid"}},
	{func(f *RawWebhookFields) *string { return &f.Event }, []string{"event", "Event"}},
	{func(f *RawWebhookFields) *string { return &f.WidgetName }, []string{"widget_name", "WidgetName"}},
	{func(f *RawWebhookFields) *string { return &f.To }, []string{"to", "To", "phone", "phone_number"}},
	{func(f *RawWebhookFields) *string { return &f.From }, []string{"from", "From"}},
	{func(f *RawWebhookFields) *string { return &f.Digits }, []string{"digits", "Digits"}},
	{func(f *RawWebhookFields) *string { return &f.CallHash }, []string{"call_hash", "CallHash"}},
	{func(f *RawWebhookFields) *string { return &f.Action }, []string{"action", "dtmf_action", "action_value"}},
	{func(f *RawWebhookFields) *string { return &f.TransferID }, []string{"transfer_id", "TransferId"}},
	{func(f *RawWebhookFields) *string { return &f.CallStatus }, []string{"CallStatus", "call_status"}},
	{func(f *RawWebhookFields) *string { return &f.DialCallStatus }, []string{"DialCallStatus", "dial_call_status"}},
	{func(f *RawWebhookFields) *string { return &f.ExecutionStatus }, []string{"ExecutionStatus", "execution_status"}},
	{func(f *RawWebhookFields) *string { return &f.CallDuration }, []string{"CallDuration", "call_duration"}},
	{func(f *RawWebhookFields) *string { return &f.ConfirmationCode }, []string{"confirmation_code", "ConfirmationCode"}},
	{func(f *RawWebhookFields) *string { return &f.AnsweredBy }, []string{"AnsweredBy", "answeredby", "answered_by"}},
}

// Decode turns a raw callback body into typed fields. The content type picks
// the first decoder; a string "body" field holding a form or JSON document is
// decoded again and its values take precedence.
func Decode(contentType string, body []byte) (RawWebhookFields, error) {
	values, err := decodeValues(contentType, body)
	if err != nil {
		return RawWebhookFields{}, err
	}
	values = unwrapNestedBody(values, maxNestedBodyDepth)
	return fieldsFromValues(values), nil
}

func decodeValues(contentType string, body []byte) (map[string]string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return map[string]string{}, nil
	}
	mediaType, params, _ := mime.ParseMediaType(contentType)
	switch strings.ToLower(mediaType) {
	case "application/json":
		return decodeJSON(trimmed)
	case "application/x-www-form-urlencoded":
		return decodeForm(string(trimmed))
	case "multipart/form-data":
		return decodeMultipart(body, params["boundary"])
	default:
		if trimmed[0] == '{' {
			if values, err := decodeJSON(trimmed); err == nil {
				return values, nil
			}
		}
		return decodeForm(string(trimmed))
	}
}

func decodeJSON(body []byte) (map[string]string, error) {
	raw := map[string]any{}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("webhooks: decode json payload: %w", err)
	}
	out := make(map[string]string, len(raw))
	for key, value := range raw {
		out[key] = stringify(value)
	}
	return out, nil
}

func decodeForm(body string) (map[string]string, error) {
	parsed, err := url.ParseQuery(body)
	if err != nil {
		return nil, fmt.Errorf("webhooks: decode form payload: %w", err)
	}
	out := make(map[string]string, len(parsed))
	for key, values := range parsed {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out, nil
}

const maxMultipartFieldBytes = 64 << 10

// decodeMultipart keeps the first value of each text field. File parts are
// skipped.
func decodeMultipart(body []byte, boundary string) (map[string]string, error) {
	if strings.TrimSpace(boundary) == "" {
		return nil, fmt.Errorf("webhooks: multipart payload without boundary")
	}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	out := map[string]string{}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("webhooks: decode multipart payload: %w", err)
		}
		name := part.FormName()
		if name == "" || part.FileName() != "" {
			_ = part.Close()
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, maxMultipartFieldBytes))
		_ = part.Close()
		if err != nil {
			return nil, fmt.Errorf("webhooks: read multipart field %s: %w", name, err)
		}
		if _, exists := out[name]; !exists {
			out[name] = string(value)
		}
	}
}

func unwrapNestedBody(values map[string]string, depth int) map[string]string {
	nested, ok := values["body"]
	if !ok || depth <= 0 {
		return values
	}
	nested = strings.TrimSpace(nested)
	var inner map[string]string
	var err error
	switch {
	case strings.HasPrefix(nested, "{"):
		inner, err = decodeJSON([]byte(nested))
	case strings.Contains(nested, "="):
		inner, err = decodeForm(nested)
	default:
		return values
	}
	if err != nil || len(inner) == 0 {
		return values
	}
	inner = unwrapNestedBody(inner, depth-1)
	merged := make(map[string]string, len(values)+len(inner))
	for key, value := range values {
		if key != "body" {
			merged[key] = value
		}
	}
	for key, value := range inner {
		merged[key] = value
	}
	return merged
}

func fieldsFromValues(values map[string]string) RawWebhookFields {
	fields := RawWebhookFields{Extra: map[string]string{}}
	consumed := map[string]struct{}{}
	for _, alias := range fieldAliases {
		target := alias.target(&fields)
		for _, key := range alias.aliases {
			value := strings.TrimSpace(values[key])
			if value == "" {
				continue
			}
			if *target == "" {
				*target = value
			}
			consumed[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, ok := consumed[key]; ok {
			continue
		}
		if value := strings.TrimSpace(values[key]); value != "" {
			fields.Extra[key] = value
		}
	}
	return fields
}

func stringify(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case json.Number:
		return typed.String()
	case bool:
		return strconv.FormatBool(typed)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(encoded)
	}
}
