// Package store is the PostgreSQL persistence adapter. It owns the SQL,
// the credential encryption boundary, and the atomic commit of a send
// pass. Engines depend on narrow interfaces they declare themselves;
// Postgres satisfies all of them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/embersend/warmup-engine/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Postgres is the production storage adapter.
type Postgres struct {
	db     *sql.DB
	cipher *Cipher
}

func NewPostgres(db *sql.DB, cipher *Cipher) *Postgres {
	return &Postgres{db: db, cipher: cipher}
}

// ---- campaigns ----

const campaignColumns = `id, name, sender_ids, receiver_ids, status, language,
	duration_weeks, current_week, send_date, emails_sent_today,
	target_emails_today, total_emails_sent, next_send_at,
	started_at, completed_at, created_at, updated_at`

func (p *Postgres) scanCampaign(row interface{ Scan(...interface{}) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := row.Scan(
		&c.ID, &c.Name, pq.Array(&c.SenderIDs), pq.Array(&c.ReceiverIDs),
		&c.Status, &c.Language, &c.DurationWeeks, &c.CurrentWeek,
		&c.SendDate, &c.EmailsSentToday, &c.TargetEmailsToday,
		&c.TotalEmailsSent, &c.NextSendAt,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}
	return c, nil
}

// ActiveCampaigns returns every campaign eligible for a scheduler pass.
func (p *Postgres) ActiveCampaigns(ctx context.Context) ([]*domain.Campaign, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM warmup_campaigns
		WHERE status IN ('pending', 'active')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active campaigns: %w", err)
	}
	defer rows.Close()

	var out []*domain.Campaign
	for rows.Next() {
		c, err := p.scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) CampaignByID(ctx context.Context, id string) (*domain.Campaign, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+campaignColumns+`
		FROM warmup_campaigns
		WHERE id = $1
	`, id)
	return p.scanCampaign(row)
}

func (p *Postgres) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO warmup_campaigns
			(id, name, sender_ids, receiver_ids, status, language,
			 duration_weeks, current_week, send_date, emails_sent_today,
			 target_emails_today, total_emails_sent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`, c.ID, c.Name, pq.Array(c.SenderIDs), pq.Array(c.ReceiverIDs),
		c.Status, c.Language, c.DurationWeeks, c.CurrentWeek,
		c.SendDate, c.EmailsSentToday, c.TargetEmailsToday, c.TotalEmailsSent)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// UpdateCampaignProgress persists the scheduler-owned fields after a pass.
func (p *Postgres) UpdateCampaignProgress(ctx context.Context, c *domain.Campaign) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE warmup_campaigns
		SET status = $1, current_week = $2, send_date = $3,
		    emails_sent_today = $4, target_emails_today = $5,
		    total_emails_sent = $6, next_send_at = $7,
		    started_at = $8, completed_at = $9, updated_at = NOW()
		WHERE id = $10
	`, c.Status, c.CurrentWeek, c.SendDate,
		c.EmailsSentToday, c.TargetEmailsToday,
		c.TotalEmailsSent, c.NextSendAt,
		c.StartedAt, c.CompletedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update campaign progress: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE warmup_campaigns SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- accounts ----

const accountColumns = `id, email, name, role, status,
	smtp_host, smtp_port, smtp_username, smtp_password,
	imap_host, imap_port, imap_username, imap_password,
	domain_age_days, current_daily_limit, warmup_started_at,
	total_sent, total_received, total_opened, total_replied, total_bounced,
	created_at, updated_at`

func (p *Postgres) scanAccount(row interface{ Scan(...interface{}) error }) (*domain.Account, error) {
	a := &domain.Account{}
	err := row.Scan(
		&a.ID, &a.Email, &a.Name, &a.Role, &a.Status,
		&a.SMTPHost, &a.SMTPPort, &a.SMTPUsername, &a.SMTPPassword,
		&a.IMAPHost, &a.IMAPPort, &a.IMAPUsername, &a.IMAPPassword,
		&a.DomainAgeDays, &a.CurrentDailyLimit, &a.WarmupStartedAt,
		&a.TotalSent, &a.TotalReceived, &a.TotalOpened, &a.TotalReplied, &a.TotalBounced,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	if a.SMTPPassword, err = p.cipher.Decrypt(a.SMTPPassword); err != nil {
		return nil, fmt.Errorf("account %s smtp credential: %w", a.ID, err)
	}
	if a.IMAPPassword, err = p.cipher.Decrypt(a.IMAPPassword); err != nil {
		return nil, fmt.Errorf("account %s imap credential: %w", a.ID, err)
	}
	return a, nil
}

func (p *Postgres) AccountByID(ctx context.Context, id string) (*domain.Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM warmup_accounts
		WHERE id = $1
	`, id)
	return p.scanAccount(row)
}

// AccountsByID loads a set of accounts, decrypting credentials. Missing
// IDs are simply absent from the result; callers that care check length.
func (p *Postgres) AccountsByID(ctx context.Context, ids []string) ([]*domain.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM warmup_accounts
		WHERE id = ANY($1)
		ORDER BY email
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		a, err := p.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) AccountsByRole(ctx context.Context, role domain.AccountRole) ([]*domain.Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM warmup_accounts
		WHERE role = $1
		ORDER BY email
	`, role)
	if err != nil {
		return nil, fmt.Errorf("load accounts by role: %w", err)
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		a, err := p.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateAccount inserts an account, encrypting credentials on the way in.
func (p *Postgres) CreateAccount(ctx context.Context, a *domain.Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	smtpPass, err := p.cipher.Encrypt(a.SMTPPassword)
	if err != nil {
		return fmt.Errorf("encrypt smtp credential: %w", err)
	}
	imapPass, err := p.cipher.Encrypt(a.IMAPPassword)
	if err != nil {
		return fmt.Errorf("encrypt imap credential: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO warmup_accounts
			(id, email, name, role, status,
			 smtp_host, smtp_port, smtp_username, smtp_password,
			 imap_host, imap_port, imap_username, imap_password,
			 domain_age_days, current_daily_limit, warmup_started_at,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, NOW(), NOW())
	`, a.ID, a.Email, a.Name, a.Role, a.Status,
		a.SMTPHost, a.SMTPPort, a.SMTPUsername, smtpPass,
		a.IMAPHost, a.IMAPPort, a.IMAPUsername, imapPass,
		a.DomainAgeDays, a.CurrentDailyLimit, a.WarmupStartedAt)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (p *Postgres) SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE warmup_accounts SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- email records ----

const emailColumns = `id, campaign_id, sender_id, receiver_id, message_id,
	subject, body, status, is_reply, is_ai_generated, provider_used,
	sent_at, opened_at, bounced_at, created_at`

func (p *Postgres) scanEmail(row interface{ Scan(...interface{}) error }) (*domain.EmailRecord, error) {
	e := &domain.EmailRecord{}
	err := row.Scan(
		&e.ID, &e.CampaignID, &e.SenderID, &e.ReceiverID, &e.MessageID,
		&e.Subject, &e.Body, &e.Status, &e.IsReply, &e.IsAIGenerated,
		&e.ProviderUsed, &e.SentAt, &e.OpenedAt, &e.BouncedAt, &e.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan email record: %w", err)
	}
	return e, nil
}

// CreateEmailRecord inserts a pending record before the SMTP attempt, so
// a stable ID exists for the tracking header even if the send fails.
func (p *Postgres) CreateEmailRecord(ctx context.Context, e *domain.EmailRecord) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO warmup_emails
			(id, campaign_id, sender_id, receiver_id, message_id,
			 subject, body, status, is_reply, is_ai_generated, provider_used,
			 created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	`, e.ID, e.CampaignID, e.SenderID, e.ReceiverID, e.MessageID,
		e.Subject, e.Body, e.Status, e.IsReply, e.IsAIGenerated, e.ProviderUsed)
	if err != nil {
		return fmt.Errorf("create email record: %w", err)
	}
	return nil
}

func (p *Postgres) EmailByMessageID(ctx context.Context, messageID string) (*domain.EmailRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+emailColumns+`
		FROM warmup_emails
		WHERE message_id = $1
	`, messageID)
	return p.scanEmail(row)
}

func (p *Postgres) EmailByID(ctx context.Context, id string) (*domain.EmailRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+emailColumns+`
		FROM warmup_emails
		WHERE id = $1
	`, id)
	return p.scanEmail(row)
}

func (p *Postgres) MarkEmailOpened(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE warmup_emails SET opened_at = $1
		WHERE id = $2 AND opened_at IS NULL
	`, at, id)
	if err != nil {
		return fmt.Errorf("mark email opened: %w", err)
	}
	return nil
}

// MarkEmailBounced flips a record to bounced. Idempotent: a record already
// bounced keeps its original bounced_at.
func (p *Postgres) MarkEmailBounced(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE warmup_emails SET status = 'bounced', bounced_at = $1
		WHERE id = $2 AND status != 'bounced'
	`, at, id)
	if err != nil {
		return fmt.Errorf("mark email bounced: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- send pass commit ----

// CommitSendPass atomically records the outcome of one campaign send pass:
// each delivered record flips to sent, campaign counters advance, and
// sender/receiver counters advance. Either everything lands or nothing
// does; a crash mid-pass leaves the campaign re-runnable.
func (p *Postgres) CommitSendPass(ctx context.Context, c *domain.Campaign, sent []*domain.EmailRecord, accounts []*domain.Account) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin send pass: %w", err)
	}
	defer tx.Rollback()

	for _, e := range sent {
		if _, err := tx.ExecContext(ctx, `
			UPDATE warmup_emails
			SET status = 'sent', message_id = $1, sent_at = $2
			WHERE id = $3
		`, e.MessageID, e.SentAt, e.ID); err != nil {
			return fmt.Errorf("commit email %s: %w", e.ID, err)
		}
	}

	// Counters are committed as increments derived from this pass's records.
	// The campaign lease serializes writers per campaign, but an account can
	// appear in several campaigns at once (shared receiver pools), so
	// absolute writes from a pass-start snapshot would lose updates.
	sentBy := make(map[string]int)
	receivedBy := make(map[string]int)
	for _, e := range sent {
		sentBy[e.SenderID]++
		receivedBy[e.ReceiverID]++
	}
	for _, a := range accounts {
		if _, err := tx.ExecContext(ctx, `
			UPDATE warmup_accounts
			SET total_sent = total_sent + $1,
			    total_received = total_received + $2,
			    current_daily_limit = $3,
			    warmup_started_at = COALESCE(warmup_started_at, $4),
			    updated_at = NOW()
			WHERE id = $5
		`, sentBy[a.ID], receivedBy[a.ID], a.CurrentDailyLimit,
			a.WarmupStartedAt, a.ID); err != nil {
			return fmt.Errorf("commit account %s: %w", a.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE warmup_campaigns
		SET status = $1, current_week = $2, send_date = $3,
		    emails_sent_today = $4, target_emails_today = $5,
		    total_emails_sent = $6, next_send_at = $7,
		    started_at = $8, completed_at = $9, updated_at = NOW()
		WHERE id = $10
	`, c.Status, c.CurrentWeek, c.SendDate,
		c.EmailsSentToday, c.TargetEmailsToday,
		c.TotalEmailsSent, c.NextSendAt,
		c.StartedAt, c.CompletedAt, c.ID); err != nil {
		return fmt.Errorf("commit campaign %s: %w", c.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit send pass: %w", err)
	}
	return nil
}

// ---- respond/bounce counter updates ----

// IncrementAccountCounter bumps one engagement counter by one. Column
// names are fixed here, never caller-supplied.
func (p *Postgres) IncrementAccountCounter(ctx context.Context, id, counter string) error {
	var col string
	switch counter {
	case "opened":
		col = "total_opened"
	case "replied":
		col = "total_replied"
	case "bounced":
		col = "total_bounced"
	case "received":
		col = "total_received"
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}
	res, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE warmup_accounts SET %s = %s + 1, updated_at = NOW() WHERE id = $1`, col, col),
		id)
	if err != nil {
		return fmt.Errorf("increment %s: %w", counter, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
