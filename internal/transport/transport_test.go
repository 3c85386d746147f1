package transport

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embersend/warmup-engine/internal/domain"
)

func TestBuildMessageRoundTrip(t *testing.T) {
	out := &domain.OutboundMessage{
		MessageID: "abc123@warm.example.com",
		From:      "alice@warm.example.com",
		FromName:  "Alice",
		To:        "bob@peer.example.com",
		Subject:   "Quick question about the Tokyo trip",
		Body:      "Hey Bob,\n\nDid the itinerary work out?\n\nAlice",
	}

	raw, err := BuildMessage(out)
	require.NoError(t, err)

	msg, err := ParseMessage(raw)
	require.NoError(t, err)

	assert.Equal(t, out.MessageID, msg.MessageID)
	assert.Equal(t, out.From, msg.From)
	assert.Equal(t, out.Subject, msg.Subject)
	assert.Contains(t, msg.Body, "Did the itinerary work out?")
	assert.Empty(t, msg.InReplyTo)
	assert.False(t, msg.Date.IsZero())
}

func TestBuildMessageThreadingHeaders(t *testing.T) {
	out := &domain.OutboundMessage{
		MessageID:  "reply1@peer.example.com",
		From:       "bob@peer.example.com",
		To:         "alice@warm.example.com",
		Subject:    "Re: Quick question about the Tokyo trip",
		Body:       "All sorted, thanks!",
		InReplyTo:  "abc123@warm.example.com",
		References: []string{"root@warm.example.com", "abc123@warm.example.com"},
	}

	raw, err := BuildMessage(out)
	require.NoError(t, err)

	msg, err := ParseMessage(raw)
	require.NoError(t, err)

	assert.Equal(t, "abc123@warm.example.com", msg.InReplyTo)
	assert.Equal(t, []string{"root@warm.example.com", "abc123@warm.example.com"}, msg.References)
}

func TestBuildMessageTrackingHeader(t *testing.T) {
	out := &domain.OutboundMessage{
		MessageID:  "t1@warm.example.com",
		From:       "alice@warm.example.com",
		To:         "bob@peer.example.com",
		Subject:    "hi",
		Body:       "hello",
		TrackingID: "rec-42",
	}

	raw, err := BuildMessage(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "X-Warmup-Id: rec-42")
}

func TestParseMessagePrefersPlainText(t *testing.T) {
	raw := strings.Join([]string{
		"From: carol@peer.example.com",
		"To: alice@warm.example.com",
		"Subject: lunch",
		"Message-Id: <lunch1@peer.example.com>",
		"Date: Mon, 12 Jan 2026 10:00:00 +0000",
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=sep",
		"",
		"--sep",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Noon works</p>",
		"--sep",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Noon works",
		"--sep--",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "lunch1@peer.example.com", msg.MessageID)
	assert.Equal(t, "carol@peer.example.com", msg.From)
	assert.Equal(t, "Noon works", strings.TrimSpace(msg.Body))
}

func TestParseMessageHTMLOnlyFallback(t *testing.T) {
	raw := strings.Join([]string{
		"From: mailer-daemon@peer.example.com",
		"To: alice@warm.example.com",
		"Subject: Delivery Status Notification (Failure)",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>550 5.1.1 user unknown</p>",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "550 5.1.1")
}

func TestIMAPInboxDoesNotMarkSeenOnFetch(t *testing.T) {
	assert.False(t, NewIMAPInbox().MarksSeenOnFetch())
}

func TestSendMailWrapsDialFailure(t *testing.T) {
	// Reserve a port and close it so the dial is refused immediately.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	m := NewSMTPMailer()
	m.dialTimeout = time.Second

	account := &domain.Account{
		Email:    "alice@warm.example.com",
		SMTPHost: "127.0.0.1",
		SMTPPort: port,
	}
	err = m.SendMail(context.Background(), account, &domain.OutboundMessage{
		From: "alice@warm.example.com", To: "bob@peer.example.com",
		Subject: "hello", Body: "hi",
	})
	assert.ErrorIs(t, err, ErrSendFailed)
}
