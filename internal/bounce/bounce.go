// Package bounce scans sender inboxes for delivery failure notifications
// and flips the affected email records to bounced. The resulting bounce
// rates feed the scheduler's circuit breaker on its next pass.
package bounce

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/embersend/warmup-engine/internal/domain"
	"github.com/embersend/warmup-engine/internal/pkg/distlock"
	"github.com/embersend/warmup-engine/internal/pkg/logger"
	"github.com/embersend/warmup-engine/internal/store"
	"github.com/embersend/warmup-engine/internal/transport"
)

// Store is the persistence surface the bounce monitor needs.
type Store interface {
	AccountsByRole(ctx context.Context, role domain.AccountRole) ([]*domain.Account, error)
	AccountByID(ctx context.Context, id string) (*domain.Account, error)
	EmailByID(ctx context.Context, id string) (*domain.EmailRecord, error)
	EmailByMessageID(ctx context.Context, messageID string) (*domain.EmailRecord, error)
	MarkEmailBounced(ctx context.Context, id string, at time.Time) error
	IncrementAccountCounter(ctx context.Context, id, counter string) error
}

// LeaseFactory hands out per-account leases.
type LeaseFactory interface {
	For(key string) distlock.Lease
}

// Monitor polls sender inboxes for bounce notifications.
type Monitor struct {
	store       Store
	inbox       transport.Inbox
	leases      LeaseFactory
	concurrency int

	now func() time.Time
}

func New(st Store, inbox transport.Inbox, leases LeaseFactory, concurrency int) *Monitor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Monitor{
		store:       st,
		inbox:       inbox,
		leases:      leases,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// SetClock overrides the time source (tests only).
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// ProcessAllSenders scans every active sender inbox once and returns
// account ID to bounces detected. Sender failures are isolated.
func (m *Monitor) ProcessAllSenders(ctx context.Context) (map[string]int, error) {
	senders, err := m.store.AccountsByRole(ctx, domain.RoleSender)
	if err != nil {
		return nil, fmt.Errorf("load senders: %w", err)
	}

	results := make(map[string]int, len(senders))
	var resultsMu sync.Mutex
	sem := make(chan struct{}, m.concurrency)
	var wg sync.WaitGroup

	for _, a := range senders {
		wg.Add(1)
		sem <- struct{}{}
		go func(a *domain.Account) {
			defer wg.Done()
			defer func() { <-sem }()

			n, err := m.processLeased(ctx, a)
			if err != nil {
				log.Printf("[BounceMonitor] Sender %s failed: %v", logger.RedactEmail(a.Email), err)
			}
			resultsMu.Lock()
			results[a.ID] = n
			resultsMu.Unlock()
		}(a)
	}
	wg.Wait()

	return results, nil
}

// ProcessSenderByID scans one sender inbox, used by the manual trigger
// endpoint.
func (m *Monitor) ProcessSenderByID(ctx context.Context, id string) (int, error) {
	a, err := m.store.AccountByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if a.Role != domain.RoleSender {
		return 0, fmt.Errorf("account %s is not a sender", id)
	}
	return m.processLeased(ctx, a)
}

func (m *Monitor) processLeased(ctx context.Context, a *domain.Account) (int, error) {
	lease := m.leases.For("bounce:" + a.ID)
	acquired, err := lease.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer lease.Release(context.WithoutCancel(ctx))

	return m.ProcessSender(ctx, a)
}

// ProcessSender fetches the sender's unseen mail, classifies bounce
// notifications, and marks the originating records bounced. Returns the
// number of bounces detected.
func (m *Monitor) ProcessSender(ctx context.Context, account *domain.Account) (int, error) {
	msgs, err := m.inbox.FetchUnseen(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("fetch unseen: %w", err)
	}

	detected := 0
	for i := range msgs {
		msg := &msgs[i]
		if !IsBounceNotification(msg) {
			// Regular mail in a sender inbox is none of our business;
			// leave it unread.
			if msg.SeenOnFetch {
				if err := m.inbox.UnmarkSeen(ctx, account, msg.UID); err != nil {
					log.Printf("[BounceMonitor] Restore unseen uid=%d: %v", msg.UID, err)
				}
			}
			continue
		}

		rec := m.matchRecord(ctx, msg)
		if rec == nil {
			log.Printf("[BounceMonitor] Unmatched bounce in %s: %q",
				logger.RedactEmail(account.Email), msg.Subject)
			continue
		}

		if err := m.store.MarkEmailBounced(ctx, rec.ID, m.now()); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Already bounced; a re-delivered DSN must not double-count.
				continue
			}
			log.Printf("[BounceMonitor] Mark bounced %s: %v", rec.ID, err)
			continue
		}
		if err := m.store.IncrementAccountCounter(ctx, rec.SenderID, "bounced"); err != nil {
			log.Printf("[BounceMonitor] Increment bounced for %s: %v", rec.SenderID, err)
		}
		if !msg.SeenOnFetch {
			if err := m.inbox.MarkSeen(ctx, account, msg.UID); err != nil {
				log.Printf("[BounceMonitor] Mark seen uid=%d: %v", msg.UID, err)
			}
		}
		detected++
	}

	if detected > 0 {
		log.Printf("[BounceMonitor] Sender %s: %d bounces detected",
			logger.RedactEmail(account.Email), detected)
	}
	return detected, nil
}

var (
	bounceFromPatterns = []string{
		"mailer-daemon", "postmaster", "mail delivery subsystem", "maildelivery",
	}
	bounceSubjectPatterns = []string{
		"undeliver", "delivery status notification", "delivery failure",
		"mail delivery failed", "returned mail", "failure notice",
		"delivery incomplete", "message blocked",
	}
	dsnCodeRe    = regexp.MustCompile(`\b5\.\d{1,3}\.\d{1,3}\b`)
	trackingIDRe = regexp.MustCompile(`(?i)X-Warmup-Id:\s*(\S+)`)
	origMsgIDRe  = regexp.MustCompile(`(?i)Message-Id:\s*<([^>]+)>`)
)

// IsBounceNotification classifies a message as a delivery failure report
// using sender, subject, and DSN code heuristics.
func IsBounceNotification(msg *domain.InboundMessage) bool {
	from := strings.ToLower(msg.From)
	for _, p := range bounceFromPatterns {
		if strings.Contains(from, p) {
			return true
		}
	}
	subject := strings.ToLower(msg.Subject)
	for _, p := range bounceSubjectPatterns {
		if strings.Contains(subject, p) {
			return true
		}
	}
	return dsnCodeRe.MatchString(msg.Body)
}

// matchRecord ties a bounce notification back to the email record it
// reports on: first by the tracking header echoed in the returned
// message, then by the original Message-ID quoted in the DSN body or
// threading headers.
func (m *Monitor) matchRecord(ctx context.Context, msg *domain.InboundMessage) *domain.EmailRecord {
	if match := trackingIDRe.FindStringSubmatch(msg.Body); match != nil {
		if rec, err := m.store.EmailByID(ctx, match[1]); err == nil {
			return rec
		}
	}
	if msg.InReplyTo != "" {
		if rec, err := m.store.EmailByMessageID(ctx, msg.InReplyTo); err == nil {
			return rec
		}
	}
	if match := origMsgIDRe.FindStringSubmatch(msg.Body); match != nil {
		if rec, err := m.store.EmailByMessageID(ctx, match[1]); err == nil {
			return rec
		}
	}
	return nil
}
