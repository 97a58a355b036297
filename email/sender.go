package email

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"mime"
	"mime/multipart"
	"net/http"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/goliatone/go-deadlines/core"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

type Option func(*Sender)

func WithSendFunc(fn SendFunc) Option {
	return func(s *Sender) {
		if fn != nil {
			s.send = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sender) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(s *Sender) {
		s.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(s *Sender) {
		s.loggerProvider = provider
	}
}

type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

type Sender struct {
	cfg            core.EmailConfig
	send           SendFunc
	now            func() time.Time
	logger         core.Logger
	loggerProvider core.LoggerProvider

	subject *template.Template
	text    *template.Template
	html    *htmltemplate.Template
}

func New(cfg core.EmailConfig, opts ...Option) (*Sender, error) {
	if !cfg.Enabled {
		return nil, core.ConfigError("email: sender is disabled", nil)
	}
	if err := cfg.ValidateEmail(); err != nil {
		return nil, err
	}
	s := &Sender{
		cfg:     cfg,
		send:    smtp.SendMail,
		now:     func() time.Time { return time.Now().UTC() },
		subject: template.Must(template.New("subject").Parse(deadlineSubject)),
		text:    template.Must(template.New("text").Parse(deadlineText)),
		html:    htmltemplate.Must(htmltemplate.New("html").Parse(deadlineHTML)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = core.ResolveLogger("email", s.loggerProvider, s.logger)
	return s, nil
}

// Render produces the subject and both bodies for msg.
func (s *Sender) Render(msg core.DeadlineEmail) (Rendered, error) {
	var subject, text, html bytes.Buffer
	if err := s.subject.Execute(&subject, msg); err != nil {
		return Rendered{}, fmt.Errorf("email: render subject: %w", err)
	}
	if err := s.text.Execute(&text, msg); err != nil {
		return Rendered{}, fmt.Errorf("email: render text: %w", err)
	}
	if err := s.html.Execute(&html, msg); err != nil {
		return Rendered{}, fmt.Errorf("email: render html: %w", err)
	}
	return Rendered{
		Subject: strings.TrimSpace(subject.String()),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

func (s *Sender) SendDeadlineReminder(ctx context.Context, msg core.DeadlineEmail) (core.EmailReceipt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	to, err := mail.ParseAddress(strings.TrimSpace(msg.To))
	if err != nil {
		return core.EmailReceipt{}, goerrors.Wrap(err, goerrors.CategoryBadInput, "email: recipient address is invalid").
			WithCode(http.StatusBadRequest).
			WithTextCode(core.ErrorBadInput).
			WithMetadata(map[string]any{"to": msg.To})
	}
	if err := ctx.Err(); err != nil {
		return core.EmailReceipt{}, err
	}

	rendered, err := s.Render(msg)
	if err != nil {
		return core.EmailReceipt{}, err
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.cfg.Host)
	body, err := s.compose(to.Address, messageID, rendered)
	if err != nil {
		return core.EmailReceipt{}, err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	if err := s.send(addr, auth, s.cfg.FromAddress, []string{to.Address}, body); err != nil {
		core.Log(ctx, s.logger, core.LogWarn, "deadline email failed", map[string]any{
			"to":    to.Address,
			"error": err.Error(),
		})
		return core.EmailReceipt{}, goerrors.Wrap(err, goerrors.CategoryExternal, "email: smtp delivery failed").
			WithCode(http.StatusBadGateway).
			WithTextCode(core.ErrorProviderFailed).
			WithMetadata(map[string]any{"to": to.Address})
	}
	core.Log(ctx, s.logger, core.LogInfo, "deadline email sent", map[string]any{
		"to":         to.Address,
		"message_id": messageID,
	})
	return core.EmailReceipt{MessageID: messageID, To: to.Address}, nil
}

func (s *Sender) compose(to string, messageID string, rendered Rendered) ([]byte, error) {
	var buf bytes.Buffer
	from := mail.Address{Name: s.cfg.FromName, Address: s.cfg.FromAddress}
	writer := multipart.NewWriter(&buf)

	headers := []struct{ key, value string }{
		{"From", from.String()},
		{"To", to},
		{"Subject", mime.QEncoding.Encode("utf-8", rendered.Subject)},
		{"Date", s.now().Format(time.RFC1123Z)},
		{"Message-ID", messageID},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/alternative; boundary=" + writer.Boundary()},
	}
	for _, header := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", header.key, header.value)
	}
	buf.WriteString("\r\n")

	parts := []struct{ contentType, body string }{
		{"text/plain; charset=utf-8", rendered.Text},
		{"text/html; charset=utf-8", rendered.HTML},
	}
	for _, part := range parts {
		w, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.contentType},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, fmt.Errorf("email: create mime part: %w", err)
		}
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, fmt.Errorf("email: write mime part: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("email: close mime writer: %w", err)
	}
	return buf.Bytes(), nil
}

var _ core.EmailSender = (*Sender)(nil)
