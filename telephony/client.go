package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-deadlines/calllog"
	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/ratelimit"
	"github.com/goliatone/go-deadlines/transport"
)

const (
	DefaultVoice    = "woman"
	DefaultLanguage = "tr-TR"

	defaultCallTimeout    = 30 * time.Second
	defaultInterCallDelay = time.Second
)

type Option func(*Client)

func WithTransport(adapter core.TransportAdapter) Option {
	return func(c *Client) {
		if adapter != nil {
			c.transport = adapter
		}
	}
}

func WithPacer(pacer *ratelimit.Pacer) Option {
	return func(c *Client) {
		if pacer != nil {
			c.pacer = pacer
		}
	}
}

func WithCallLog(events *calllog.Log) Option {
	return func(c *Client) {
		c.events = events
	}
}

func WithLogger(logger core.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(c *Client) {
		c.loggerProvider = provider
	}
}

func WithAppURL(appURL string) Option {
	return func(c *Client) {
		c.appURL = strings.TrimRight(strings.TrimSpace(appURL), "/")
	}
}

// Client talks to a Twilio-compatible REST API. Studio executions back
// interactive flows and the Calls resource backs plain spoken messages.
type Client struct {
	cfg            core.TelephonyConfig
	appURL         string
	transport      core.TransportAdapter
	pacer          *ratelimit.Pacer
	events         *calllog.Log
	logger         core.Logger
	loggerProvider core.LoggerProvider
	callTimeout    time.Duration
}

// New validates provider credentials up front. A missing credential is a
// configuration error and the client is not built.
func New(cfg core.TelephonyConfig, opts ...Option) (*Client, error) {
	if !cfg.Enabled {
		return nil, core.ConfigError("telephony: provider is disabled", nil)
	}
	if err := cfg.ValidateTelephony(); err != nil {
		return nil, err
	}
	client := &Client{
		cfg:         cfg,
		callTimeout: core.Duration(cfg.CallTimeout, defaultCallTimeout),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if client.transport == nil {
		client.transport = transport.NewRESTAdapter(nil).
			WithBasicAuth(cfg.AccountSID, cfg.AuthToken)
	}
	if client.pacer == nil {
		client.pacer = ratelimit.NewPacer(core.Duration(cfg.InterCallDelay, defaultInterCallDelay))
	}
	client.logger = core.ResolveLogger("telephony", client.loggerProvider, client.logger)
	return client, nil
}

// WebhookURLs returns the callback endpoints handed to the provider.
func (c *Client) WebhookURLs() (flow string, status string, dtmf string) {
	base := c.appURL
	return base + "/api/calls/webhooks/flow",
		base + "/api/calls/webhooks/status",
		base + "/api/calls/webhooks/dtmf"
}

type executionResponse struct {
	SID    string `json:"sid"`
	URL    string `json:"url"`
	Status string `json:"status"`
}

type callResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

func (c *Client) StartFlow(ctx context.Context, req core.FlowRequest) (core.FlowExecution, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	phone := core.NormalizePhone(req.PhoneNumber)
	if phone == "" {
		return core.FlowExecution{}, telephonyBadInput("telephony: phone number is required", nil)
	}

	params := c.flowParameters(phone, req.Parameters)
	transferID, _ := params["transfer_id"].(string)
	event := c.events.Append(calllog.Event{
		Kind:        calllog.KindFlowStarted,
		PhoneNumber: phone,
		TransferID:  transferID,
		Metadata: map[string]any{
			"call_hash": params["call_hash"],
			"flow_sid":  c.cfg.FlowSID,
		},
	})

	if err := c.pacer.Wait(ctx, ratelimit.BucketFromContext(ctx)); err != nil {
		err = recipientError(err, phone, "telephony: flow start throttled")
		c.failEvent(event.ID, err)
		return core.FlowExecution{}, err
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		err = recipientError(err, phone, "telephony: encode flow parameters")
		c.failEvent(event.ID, err)
		return core.FlowExecution{}, err
	}
	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Parameters", string(encoded))
	endpoint := fmt.Sprintf("%s/v2/Flows/%s/Executions",
		strings.TrimRight(c.cfg.StudioBaseURL, "/"),
		url.PathEscape(c.cfg.FlowSID),
	)

	var out executionResponse
	if err := c.post(ctx, endpoint, form, req.Timeout, &out); err != nil {
		err = recipientError(err, phone, "telephony: flow start failed")
		c.failEvent(event.ID, err)
		core.Log(ctx, c.logger, core.LogWarn, "telephony flow start failed", map[string]any{
			"phone":       phone,
			"transfer_id": transferID,
			"error":       err.Error(),
		})
		return core.FlowExecution{}, err
	}
	if strings.TrimSpace(out.SID) == "" {
		err := recipientError(fmt.Errorf("provider returned no execution sid"), phone, "telephony: flow start failed")
		c.failEvent(event.ID, err)
		return core.FlowExecution{}, err
	}

	c.events.Update(event.ID, func(e *calllog.Event) {
		e.ExecutionID = out.SID
		e.Processed = true
		e.Metadata = mergeMetadata(e.Metadata, map[string]any{"provider_status": out.Status})
	})
	core.Log(ctx, c.logger, core.LogInfo, "telephony flow started", map[string]any{
		"phone":        phone,
		"transfer_id":  transferID,
		"execution_id": out.SID,
	})
	return core.FlowExecution{
		ExecutionID: out.SID,
		StatusURL:   out.URL,
		PhoneNumber: phone,
	}, nil
}

func (c *Client) StartSimpleCall(ctx context.Context, req core.SimpleCallRequest) (core.SimpleCall, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	phone := core.NormalizePhone(req.PhoneNumber)
	if phone == "" {
		return core.SimpleCall{}, telephonyBadInput("telephony: phone number is required", nil)
	}
	if strings.TrimSpace(req.Message) == "" {
		return core.SimpleCall{}, telephonyBadInput("telephony: call message is required", map[string]any{"phone": phone})
	}

	event := c.events.Append(calllog.Event{
		Kind:        calllog.KindSimpleCall,
		PhoneNumber: phone,
	})
	if err := c.pacer.Wait(ctx, ratelimit.BucketFromContext(ctx)); err != nil {
		err = recipientError(err, phone, "telephony: call throttled")
		c.failEvent(event.ID, err)
		return core.SimpleCall{}, err
	}

	_, statusURL, _ := c.WebhookURLs()
	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Twiml", SayTwiML(req.Message))
	if c.appURL != "" {
		form.Set("StatusCallback", statusURL)
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json",
		strings.TrimRight(c.cfg.APIBaseURL, "/"),
		url.PathEscape(c.cfg.AccountSID),
	)

	var out callResponse
	if err := c.post(ctx, endpoint, form, req.Timeout, &out); err != nil {
		err = recipientError(err, phone, "telephony: call failed")
		c.failEvent(event.ID, err)
		core.Log(ctx, c.logger, core.LogWarn, "telephony simple call failed", map[string]any{
			"phone": phone,
			"error": err.Error(),
		})
		return core.SimpleCall{}, err
	}

	c.events.Update(event.ID, func(e *calllog.Event) {
		e.ExecutionID = out.SID
		e.Processed = true
	})
	return core.SimpleCall{CallID: out.SID, PhoneNumber: phone}, nil
}

// SayTwiML wraps message in a single spoken response.
func SayTwiML(message string) string {
	return fmt.Sprintf(`<Response><Say voice="%s" language="%s">%s</Say></Response>`,
		DefaultVoice, DefaultLanguage, html.EscapeString(strings.TrimSpace(message)))
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values, timeout time.Duration, out any) error {
	if timeout <= 0 {
		timeout = c.callTimeout
	}
	req := transport.FormRequest(endpoint, form, timeout)
	req.Headers["Accept"] = "application/json"
	res, err := c.transport.Do(ctx, req)
	if err != nil {
		return err
	}
	c.pacer.Observe(res.StatusCode, res.Headers)
	if err := transport.StatusError(res, nil); err != nil {
		return err
	}
	if res.StatusCode == http.StatusNoContent || len(res.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return fmt.Errorf("telephony: decode provider response: %w", err)
	}
	return nil
}

// flowParameters layers provider routing settings under the caller's bag.
func (c *Client) flowParameters(phone string, params map[string]any) map[string]any {
	flowURL, statusURL, dtmfURL := c.WebhookURLs()
	out := map[string]any{
		"timeout":          c.cfg.AnswerTimeout,
		"machineDetection": c.cfg.MachineDetection,
		"asyncAmd":         true,
		"ringTime":         c.cfg.RingTime,
		"answerOnBridge":   true,
		"record":           false,
		"phone_number":     phone,
	}
	if c.appURL != "" {
		out["app_url"] = c.appURL
		out["flowWebhook"] = flowURL
		out["statusWebhook"] = statusURL
		out["dtmfWebhook"] = dtmfURL
		out["amdStatusCallback"] = statusURL
	}
	for key, value := range params {
		if strings.TrimSpace(key) == "" {
			continue
		}
		out[key] = value
	}
	return out
}

func (c *Client) failEvent(id string, err error) {
	if err == nil {
		return
	}
	c.events.Update(id, func(e *calllog.Event) {
		e.Processed = true
		e.Error = err.Error()
	})
}

func mergeMetadata(base map[string]any, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for key, value := range base {
		out[key] = value
	}
	for key, value := range patch {
		if value == nil || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}

var _ core.TelephonyClient = (*Client)(nil)
