// Package respond simulates recipient engagement: receiver accounts open
// warmup mail and reply to most of it, leaving the rest untouched so the
// mailbox looks human.
package respond

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/embersend/warmup-engine/internal/content"
	"github.com/embersend/warmup-engine/internal/domain"
	"github.com/embersend/warmup-engine/internal/pkg/distlock"
	"github.com/embersend/warmup-engine/internal/pkg/logger"
	"github.com/embersend/warmup-engine/internal/transport"
)

// Store is the persistence surface the response engine needs.
type Store interface {
	AccountsByRole(ctx context.Context, role domain.AccountRole) ([]*domain.Account, error)
	AccountByID(ctx context.Context, id string) (*domain.Account, error)
	CampaignByID(ctx context.Context, id string) (*domain.Campaign, error)
	EmailByMessageID(ctx context.Context, messageID string) (*domain.EmailRecord, error)
	CreateEmailRecord(ctx context.Context, e *domain.EmailRecord) error
	MarkEmailOpened(ctx context.Context, id string, at time.Time) error
	IncrementAccountCounter(ctx context.Context, id, counter string) error
}

// Generator produces reply content. Satisfied by *content.Router.
type Generator interface {
	Generate(ctx context.Context, req content.Request) content.Content
}

// LeaseFactory hands out per-account leases.
type LeaseFactory interface {
	For(key string) distlock.Lease
}

// Engine decides, per unseen inbound message, whether a receiver replies
// or ignores it. The unseen-state invariant: after a pass, every message
// the receiver did not reply to is unread again, regardless of whether
// the transport's fetch marks messages seen.
type Engine struct {
	store       Store
	inbox       transport.Inbox
	mailer      transport.Mailer
	gen         Generator
	leases      LeaseFactory
	replyRate   float64
	concurrency int

	now func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func New(store Store, inbox transport.Inbox, mailer transport.Mailer, gen Generator, leases LeaseFactory, replyRate float64, concurrency int) *Engine {
	// Zero is a legitimate rate ("never reply"); config supplies the 0.85
	// default for unset values.
	if replyRate < 0 || replyRate > 1 {
		replyRate = 0.85
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{
		store:       store,
		inbox:       inbox,
		mailer:      mailer,
		gen:         gen,
		leases:      leases,
		replyRate:   replyRate,
		concurrency: concurrency,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock overrides the time source (tests only).
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetSeed makes the reply decision deterministic (tests only).
func (e *Engine) SetSeed(seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rng = rand.New(rand.NewSource(seed))
}

// ProcessAllReceivers runs one inbox pass over every active receiver and
// returns account ID to replies sent. Receiver failures are isolated.
func (e *Engine) ProcessAllReceivers(ctx context.Context) (map[string]int, error) {
	receivers, err := e.store.AccountsByRole(ctx, domain.RoleReceiver)
	if err != nil {
		return nil, fmt.Errorf("load receivers: %w", err)
	}

	results := make(map[string]int, len(receivers))
	var resultsMu sync.Mutex
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	for _, a := range receivers {
		if a.Status != domain.AccountActive {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(a *domain.Account) {
			defer wg.Done()
			defer func() { <-sem }()

			n, err := e.processLeased(ctx, a)
			if err != nil {
				log.Printf("[Respond] Receiver %s failed: %v", logger.RedactEmail(a.Email), err)
			}
			resultsMu.Lock()
			results[a.ID] = n
			resultsMu.Unlock()
		}(a)
	}
	wg.Wait()

	return results, nil
}

// ProcessReceiverByID runs a single receiver pass, used by the manual
// trigger endpoint.
func (e *Engine) ProcessReceiverByID(ctx context.Context, id string) (int, error) {
	a, err := e.store.AccountByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if a.Role != domain.RoleReceiver {
		return 0, fmt.Errorf("account %s is not a receiver", id)
	}
	return e.processLeased(ctx, a)
}

func (e *Engine) processLeased(ctx context.Context, a *domain.Account) (int, error) {
	lease := e.leases.For("account:" + a.ID)
	acquired, err := lease.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		log.Printf("[Respond] Receiver %s already in flight, skipping", logger.RedactEmail(a.Email))
		return 0, nil
	}
	defer lease.Release(context.WithoutCancel(ctx))

	return e.ProcessReceiver(ctx, a)
}

// ProcessReceiver fetches the receiver's unseen mail and decides each
// message independently. Returns the number of replies sent.
func (e *Engine) ProcessReceiver(ctx context.Context, account *domain.Account) (int, error) {
	msgs, err := e.inbox.FetchUnseen(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("fetch unseen: %w", err)
	}

	replies := 0
	for i := range msgs {
		msg := &msgs[i]
		if e.processMessage(ctx, account, msg) {
			replies++
		}
	}
	if len(msgs) > 0 {
		log.Printf("[Respond] Receiver %s: %d messages, %d replies",
			logger.RedactEmail(account.Email), len(msgs), replies)
	}
	return replies, nil
}

// processMessage handles one inbound message and reports whether a reply
// went out. Failures are absorbed here; they never abort the batch.
func (e *Engine) processMessage(ctx context.Context, account *domain.Account, msg *domain.InboundMessage) bool {
	rec := e.recordOpen(ctx, account, msg)

	if e.roll() >= e.replyRate {
		e.restoreUnseen(ctx, account, msg)
		return false
	}

	lang := "en"
	if rec != nil {
		if c, err := e.store.CampaignByID(ctx, rec.CampaignID); err == nil && c.Language != "" {
			lang = c.Language
		}
	}

	gc := e.gen.Generate(ctx, content.Request{
		SenderName:      account.Name,
		Language:        lang,
		IsReply:         true,
		OriginalSubject: msg.Subject,
		OriginalBody:    msg.Body,
	})

	out := &domain.OutboundMessage{
		MessageID:  fmt.Sprintf("%s@%s", uuid.New().String(), account.Domain()),
		From:       account.Email,
		FromName:   account.Name,
		To:         msg.From,
		Subject:    gc.Subject,
		Body:       gc.Body,
		InReplyTo:  msg.MessageID,
		References: append(append([]string{}, msg.References...), msg.MessageID),
	}
	if err := e.mailer.SendMail(ctx, account, out); err != nil {
		log.Printf("[Respond] Reply from %s failed: %v", logger.RedactEmail(account.Email), err)
		// The message was not handled after all; put it back so the
		// next pass retries it.
		e.restoreUnseen(ctx, account, msg)
		return false
	}

	if !msg.SeenOnFetch {
		if err := e.inbox.MarkSeen(ctx, account, msg.UID); err != nil {
			log.Printf("[Respond] Mark seen uid=%d for %s: %v", msg.UID, logger.RedactEmail(account.Email), err)
		}
	}

	at := e.now()
	reply := &domain.EmailRecord{
		SenderID:      account.ID,
		Subject:       gc.Subject,
		Body:          gc.Body,
		MessageID:     out.MessageID,
		Status:        domain.EmailSent,
		IsReply:       true,
		IsAIGenerated: gc.AIGenerated,
		ProviderUsed:  gc.Provider,
		SentAt:        &at,
	}
	if rec != nil {
		reply.CampaignID = rec.CampaignID
		reply.ReceiverID = rec.SenderID
	}
	if err := e.store.CreateEmailRecord(ctx, reply); err != nil {
		log.Printf("[Respond] Persist reply record for %s: %v", logger.RedactEmail(account.Email), err)
	}
	if err := e.store.IncrementAccountCounter(ctx, account.ID, "replied"); err != nil {
		log.Printf("[Respond] Increment replied for %s: %v", account.ID, err)
	}
	return true
}

// recordOpen marks the originating warmup record opened and credits the
// sender. Returns the record when the message is a tracked warmup email,
// nil for anything else.
func (e *Engine) recordOpen(ctx context.Context, account *domain.Account, msg *domain.InboundMessage) *domain.EmailRecord {
	if msg.MessageID == "" {
		return nil
	}
	rec, err := e.store.EmailByMessageID(ctx, msg.MessageID)
	if err != nil {
		return nil
	}
	if rec.OpenedAt == nil {
		if err := e.store.MarkEmailOpened(ctx, rec.ID, e.now()); err != nil {
			log.Printf("[Respond] Mark opened %s: %v", rec.ID, err)
		}
		if err := e.store.IncrementAccountCounter(ctx, rec.SenderID, "opened"); err != nil {
			log.Printf("[Respond] Increment opened for %s: %v", rec.SenderID, err)
		}
	}
	return rec
}

// restoreUnseen compensates for fetch side effects on the no-reply path.
// Peek transports never flip the flag, so there is nothing to undo.
func (e *Engine) restoreUnseen(ctx context.Context, account *domain.Account, msg *domain.InboundMessage) {
	if !msg.SeenOnFetch && !e.inbox.MarksSeenOnFetch() {
		return
	}
	if err := e.inbox.UnmarkSeen(ctx, account, msg.UID); err != nil {
		log.Printf("[Respond] Restore unseen uid=%d for %s: %v", msg.UID, logger.RedactEmail(account.Email), err)
	}
}

func (e *Engine) roll() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64()
}
