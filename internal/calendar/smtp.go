package calendar

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"mailcal/internal/config"
	"mailcal/internal/model"
)

// SMTP e-mails an iCalendar REQUEST to every attendee. The reference is the
// Message-Id of the sent mail.
type SMTP struct {
	cfg      config.SMTPConfig
	password string
	now      func() time.Time

	// dial opens an unauthenticated client; swapped in tests.
	dial func(ctx context.Context) (*smtp.Client, error)
}

func NewSMTP(cfg config.SMTPConfig, password string) (*SMTP, error) {
	if cfg.Addr == "" || cfg.From == "" {
		return nil, errors.New("calendar: smtp addr and from are required")
	}
	if cfg.Username != "" && password == "" {
		return nil, fmt.Errorf("calendar: %s is required", config.EnvSMTPPassword)
	}
	s := &SMTP{cfg: cfg, password: password, now: time.Now}
	s.dial = s.dialTLS
	return s, nil
}

func (s *SMTP) dialTLS(ctx context.Context) (*smtp.Client, error) {
	host, _, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("calendar: smtp addr %q: %w", s.cfg.Addr, err)
	}
	d := tls.Dialer{Config: &tls.Config{ServerName: host}}
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("calendar: SMTP TLS dial failed: %w", err)
	}
	return smtp.NewClient(conn), nil
}

func (s *SMTP) Name() string { return "smtp" }

func (s *SMTP) Insert(ctx context.Context, rec *model.EventRecord) (string, error) {
	to := rec.AttendeeEmails()
	if len(to) == 0 {
		return "", fmt.Errorf("%w: smtp invite has no attendees", ErrPermanent)
	}

	inv := Render(rec, ical.MethodRequest, s.cfg.From, s.now())
	msgID, raw, err := s.buildMessage(rec, to, inv)
	if err != nil {
		return "", err
	}

	c, err := s.dial(ctx)
	if err != nil {
		return "", err
	}
	defer c.Close()

	if s.cfg.Username != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.password)
		if err := c.Auth(auth); err != nil {
			return "", fmt.Errorf("calendar: SMTP auth failed: %w", err)
		}
	}
	if err := c.Mail(s.cfg.From, nil); err != nil {
		return "", fmt.Errorf("calendar: MAIL FROM failed: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return "", fmt.Errorf("calendar: RCPT TO %q failed: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return "", fmt.Errorf("calendar: DATA failed: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", fmt.Errorf("calendar: writing message failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("calendar: finalizing message failed: %w", err)
	}
	if err := c.Quit(); err != nil {
		return "", fmt.Errorf("calendar: QUIT failed: %w", err)
	}
	return msgID, nil
}

// buildMessage writes a multipart/alternative mail with a text summary and
// the text/calendar REQUEST part.
func (s *SMTP) buildMessage(rec *model.EventRecord, to []string, inv Invite) (string, []byte, error) {
	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{{Address: s.cfg.From}})
	rcpts := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		rcpts = append(rcpts, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", rcpts)
	h.SetSubject("초대: " + rec.Summary)
	if err := h.GenerateMessageID(); err != nil {
		return "", nil, err
	}
	msgID, err := h.MessageID()
	if err != nil {
		return "", nil, err
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return "", nil, err
	}
	aw, err := mw.CreateInline()
	if err != nil {
		return "", nil, err
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := writePart(aw, th, summaryText(rec)); err != nil {
		return "", nil, err
	}

	var ch mail.InlineHeader
	ch.SetContentType("text/calendar", map[string]string{"charset": "utf-8", "method": string(ical.MethodRequest)})
	if err := writePart(aw, ch, inv.Body); err != nil {
		return "", nil, err
	}

	if err := aw.Close(); err != nil {
		return "", nil, err
	}
	if err := mw.Close(); err != nil {
		return "", nil, err
	}
	return msgID, buf.Bytes(), nil
}

func writePart(aw *mail.InlineWriter, h mail.InlineHeader, body string) error {
	pw, err := aw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := pw.Write([]byte(body)); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

func summaryText(rec *model.EventRecord) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "제목: %s\n", rec.Summary)
	fmt.Fprintf(&b, "시간: %s ~ %s (%s)\n", rec.Start.DateTime, rec.End.DateTime, rec.Start.TimeZone)
	if rec.Location != "" {
		fmt.Fprintf(&b, "장소: %s\n", rec.Location)
	}
	if rec.Description != "" {
		fmt.Fprintf(&b, "설명: %s\n", rec.Description)
	}
	return b.String()
}
