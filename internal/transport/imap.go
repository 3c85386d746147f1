package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/embersend/warmup-engine/internal/domain"
	"github.com/embersend/warmup-engine/internal/pkg/logger"
)

// IMAPInbox reads mailboxes over IMAP with BODY.PEEK, so fetching never
// flips the \Seen flag. Each operation opens a fresh connection; warmup
// inbox polls are minutes apart and holding idle IMAP sessions across
// ticks is not worth the reconnect churn.
type IMAPInbox struct{}

func NewIMAPInbox() *IMAPInbox {
	return &IMAPInbox{}
}

// MarksSeenOnFetch is false: peek fetches leave unseen state untouched,
// so skipped messages need no compensation.
func (i *IMAPInbox) MarksSeenOnFetch() bool { return false }

func (i *IMAPInbox) FetchUnseen(ctx context.Context, account *domain.Account) ([]domain.InboundMessage, error) {
	client, err := i.connect(account)
	if err != nil {
		return nil, err
	}
	defer client.Logout().Wait()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("select inbox for %s: %w", logger.RedactEmail(account.Email), err)
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen for %s: %w", logger.RedactEmail(account.Email), err)
	}

	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}
	msgs, err := client.Fetch(imap.UIDSetNum(uids...), fetchOptions).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch unseen for %s: %w", logger.RedactEmail(account.Email), err)
	}

	out := make([]domain.InboundMessage, 0, len(msgs))
	for _, msg := range msgs {
		raw := msg.FindBodySection(section)
		if raw == nil {
			continue
		}
		parsed, err := ParseMessage(raw)
		if err != nil {
			log.Printf("[IMAP] Skipping unparseable message uid=%d on %s: %v", msg.UID, logger.RedactEmail(account.Email), err)
			continue
		}
		parsed.UID = uint32(msg.UID)
		parsed.To = account.Email
		out = append(out, parsed)
	}

	log.Printf("[IMAP] Fetched %d unseen messages for %s", len(out), logger.RedactEmail(account.Email))
	return out, nil
}

func (i *IMAPInbox) MarkSeen(ctx context.Context, account *domain.Account, uid uint32) error {
	return i.storeSeen(account, uid, imap.StoreFlagsAdd)
}

func (i *IMAPInbox) UnmarkSeen(ctx context.Context, account *domain.Account, uid uint32) error {
	return i.storeSeen(account, uid, imap.StoreFlagsDel)
}

func (i *IMAPInbox) storeSeen(account *domain.Account, uid uint32, op imap.StoreFlagsOp) error {
	client, err := i.connect(account)
	if err != nil {
		return err
	}
	defer client.Logout().Wait()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return fmt.Errorf("select inbox for %s: %w", logger.RedactEmail(account.Email), err)
	}

	store := &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}
	if err := client.Store(imap.UIDSetNum(imap.UID(uid)), store, nil).Close(); err != nil {
		return fmt.Errorf("store flags uid=%d for %s: %w", uid, logger.RedactEmail(account.Email), err)
	}
	return nil
}

func (i *IMAPInbox) connect(account *domain.Account) (*imapclient.Client, error) {
	addr := net.JoinHostPort(account.IMAPHost, fmt.Sprintf("%d", account.IMAPPort))
	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", addr, err)
	}
	if err := client.Login(account.IMAPUsername, account.IMAPPassword).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("imap login for %s: %w", logger.RedactEmail(account.Email), err)
	}
	return client, nil
}

// ParseMessage extracts the headers and first text part from raw RFC 5322
// bytes. HTML-only messages fall back to the HTML source so bounce
// classification still has something to match on.
func ParseMessage(raw []byte) (domain.InboundMessage, error) {
	var msg domain.InboundMessage

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return msg, fmt.Errorf("parse message: %w", err)
	}

	h := mr.Header
	msg.Subject, _ = h.Subject()
	msg.Date, _ = h.Date()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
	if ids, err := h.MsgIDList("Message-Id"); err == nil && len(ids) > 0 {
		msg.MessageID = ids[0]
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = ids[0]
	}
	if refs, err := h.MsgIDList("References"); err == nil {
		msg.References = refs
	}

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep whatever parsed so far; broken parts are common in
			// bounce DSNs.
			break
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ctype, _, _ := inline.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(ctype, "text/plain") && plain == "":
			plain = string(body)
		case strings.HasPrefix(ctype, "text/html") && html == "":
			html = string(body)
		}
	}

	msg.Body = plain
	if msg.Body == "" {
		msg.Body = html
	}
	if msg.Date.IsZero() {
		msg.Date = time.Now()
	}
	return msg, nil
}
