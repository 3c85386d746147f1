package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/embersend/warmup-engine/internal/domain"
	"github.com/embersend/warmup-engine/internal/pkg/logger"
)

const (
	smtpDialTimeout    = 15 * time.Second
	smtpCommandTimeout = 30 * time.Second
)

// SMTPMailer sends through each account's own submission server using
// AUTH PLAIN. Port 465 uses implicit TLS, everything else STARTTLS.
type SMTPMailer struct {
	dialTimeout time.Duration
}

func NewSMTPMailer() *SMTPMailer {
	return &SMTPMailer{dialTimeout: smtpDialTimeout}
}

func (m *SMTPMailer) SendMail(ctx context.Context, account *domain.Account, msg *domain.OutboundMessage) error {
	raw, err := BuildMessage(msg)
	if err != nil {
		return fmt.Errorf("%w: build message for %s: %v", ErrSendFailed, logger.RedactEmail(msg.To), err)
	}

	addr := net.JoinHostPort(account.SMTPHost, fmt.Sprintf("%d", account.SMTPPort))

	done := make(chan error, 1)
	go func() {
		done <- m.send(addr, account, msg, raw)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSendFailed, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
	}

	log.Printf("[SMTP] Sent message %s from %s", msg.MessageID, logger.RedactEmail(msg.From))
	return nil
}

func (m *SMTPMailer) send(addr string, account *domain.Account, msg *domain.OutboundMessage, raw []byte) error {
	conn, err := net.DialTimeout("tcp", addr, m.dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	tlsConfig := &tls.Config{ServerName: account.SMTPHost}

	var client *smtp.Client
	if account.SMTPPort == 465 {
		client = smtp.NewClient(tls.Client(conn, tlsConfig))
	} else {
		// NewClientStartTLS negotiates STARTTLS and resets the EHLO state,
		// so the Hello below re-greets with the account's domain over TLS.
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return fmt.Errorf("starttls: %w", err)
		}
	}
	defer client.Close()

	client.CommandTimeout = smtpCommandTimeout
	client.SubmissionTimeout = smtpCommandTimeout

	if err := client.Hello(account.Domain()); err != nil {
		return fmt.Errorf("helo: %w", err)
	}
	if err := client.Auth(sasl.NewPlainClient("", account.SMTPUsername, account.SMTPPassword)); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := client.SendMail(msg.From, []string{msg.To}, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return client.Quit()
}

// BuildMessage renders an OutboundMessage into RFC 5322 bytes, including
// threading headers when the message is a reply.
func BuildMessage(msg *domain.OutboundMessage) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", []*mail.Address{{Name: msg.FromName, Address: msg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	if msg.MessageID != "" {
		h.SetMsgIDList("Message-Id", []string{msg.MessageID})
	}
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
	}
	if len(msg.References) > 0 {
		h.SetMsgIDList("References", msg.References)
	}
	if msg.TrackingID != "" {
		h.Set("X-Warmup-Id", msg.TrackingID)
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
