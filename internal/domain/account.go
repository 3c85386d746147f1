package domain

import (
	"strings"
	"time"
)

// AccountRole distinguishes warmed senders from simulated recipients.
type AccountRole string

const (
	RoleSender   AccountRole = "sender"
	RoleReceiver AccountRole = "receiver"
)

// AccountStatus enumerates the operational states of an account.
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountPaused AccountStatus = "paused"
)

// Account is a mailbox participating in warmup, either as a sender being
// warmed or as a receiver simulating engagement. Counters are mutated only
// by the scheduler (sent/received) and the bounce monitor (bounced), always
// under the per-account lease.
type Account struct {
	ID     string        `json:"id" db:"id"`
	Email  string        `json:"email" db:"email"`
	Name   string        `json:"name" db:"name"`
	Role   AccountRole   `json:"role" db:"role"`
	Status AccountStatus `json:"status" db:"status"`

	// Connection descriptors. Passwords are stored encrypted and are only
	// plaintext in memory after the storage adapter decrypts them.
	SMTPHost     string `json:"smtp_host" db:"smtp_host"`
	SMTPPort     int    `json:"smtp_port" db:"smtp_port"`
	SMTPUsername string `json:"-" db:"smtp_username"`
	SMTPPassword string `json:"-" db:"smtp_password"`
	IMAPHost     string `json:"imap_host" db:"imap_host"`
	IMAPPort     int    `json:"imap_port" db:"imap_port"`
	IMAPUsername string `json:"-" db:"imap_username"`
	IMAPPassword string `json:"-" db:"imap_password"`

	// DomainAgeDays is captured once at account creation from the external
	// domain-intelligence lookup. It caps week-1 volume.
	DomainAgeDays     int        `json:"domain_age_days" db:"domain_age_days"`
	CurrentDailyLimit int        `json:"current_daily_limit" db:"current_daily_limit"`
	WarmupStartedAt   *time.Time `json:"warmup_started_at" db:"warmup_started_at"`

	TotalSent     int `json:"total_sent" db:"total_sent"`
	TotalReceived int `json:"total_received" db:"total_received"`
	TotalOpened   int `json:"total_opened" db:"total_opened"`
	TotalReplied  int `json:"total_replied" db:"total_replied"`
	TotalBounced  int `json:"total_bounced" db:"total_bounced"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Domain returns the domain part of the account's address, or "" if the
// address is malformed.
func (a *Account) Domain() string {
	at := strings.LastIndex(a.Email, "@")
	if at < 0 || at == len(a.Email)-1 {
		return ""
	}
	return a.Email[at+1:]
}

// BounceRate returns bounces as a fraction of sends (0 when nothing sent).
func (a *Account) BounceRate() float64 {
	if a.TotalSent == 0 {
		return 0
	}
	return float64(a.TotalBounced) / float64(a.TotalSent)
}

// OpenRate returns opens as a fraction of sends (0 when nothing sent).
func (a *Account) OpenRate() float64 {
	if a.TotalSent == 0 {
		return 0
	}
	return float64(a.TotalOpened) / float64(a.TotalSent)
}

// ReplyRate returns replies as a fraction of received mail (0 when empty).
func (a *Account) ReplyRate() float64 {
	if a.TotalReceived == 0 {
		return 0
	}
	return float64(a.TotalReplied) / float64(a.TotalReceived)
}
