// Package transport owns the SMTP and IMAP plumbing for warmup accounts.
// The scheduler, response engine, and bounce monitor talk to the Mailer
// and Inbox interfaces only; the emersion-based implementations here are
// swapped for fakes in their tests.
package transport

import (
	"context"
	"errors"

	"github.com/embersend/warmup-engine/internal/domain"
)

// ErrSendFailed wraps any SMTP-level delivery failure. Callers treat it as
// recoverable: the email stays pending and retries on the next tick.
var ErrSendFailed = errors.New("send failed")

// Mailer delivers a rendered message through the sender's own SMTP
// submission endpoint. Warmup sends must originate from the warmed
// mailbox itself, which is why this is per-account SMTP rather than an
// ESP API.
type Mailer interface {
	SendMail(ctx context.Context, account *domain.Account, msg *domain.OutboundMessage) error
}

// Inbox reads a mailbox over IMAP.
//
// Implementations that can fetch without setting \Seen (BODY.PEEK) return
// false from MarksSeenOnFetch and the engine's unseen-state compensation
// becomes a no-op. Implementations that cannot peek return true, and the
// engine restores unseen state for every skipped message via UnmarkSeen.
type Inbox interface {
	// FetchUnseen returns all currently-unseen messages in INBOX.
	FetchUnseen(ctx context.Context, account *domain.Account) ([]domain.InboundMessage, error)
	// MarkSeen sets \Seen on a message (after it was genuinely handled).
	MarkSeen(ctx context.Context, account *domain.Account, uid uint32) error
	// UnmarkSeen removes \Seen, restoring a message to unread.
	UnmarkSeen(ctx context.Context, account *domain.Account, uid uint32) error
	// MarksSeenOnFetch reports whether FetchUnseen sets \Seen as a side
	// effect.
	MarksSeenOnFetch() bool
}
