package domain

import "time"

// EmailStatus enumerates the lifecycle of a single warmup email.
type EmailStatus string

const (
	EmailPending EmailStatus = "pending"
	EmailSent    EmailStatus = "sent"
	EmailBounced EmailStatus = "bounced"
)

// EmailRecord tracks one warmup email end to end. It is created with
// status pending before the transport send (so a stable ID exists for
// tracking headers) and is immutable once sent, except for the bounce and
// open fields owned by their respective monitors.
type EmailRecord struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	SenderID   string `json:"sender_id" db:"sender_id"`
	ReceiverID string `json:"receiver_id" db:"receiver_id"`

	// MessageID is the RFC 5322 Message-ID used on the wire. At most one
	// record exists per MessageID.
	MessageID string `json:"message_id" db:"message_id"`

	Subject       string      `json:"subject" db:"subject"`
	Body          string      `json:"body" db:"body"`
	Status        EmailStatus `json:"status" db:"status"`
	IsReply       bool        `json:"is_reply" db:"is_reply"`
	IsAIGenerated bool        `json:"is_ai_generated" db:"is_ai_generated"`
	ProviderUsed  string      `json:"provider_used" db:"provider_used"`

	SentAt    *time.Time `json:"sent_at" db:"sent_at"`
	OpenedAt  *time.Time `json:"opened_at" db:"opened_at"`
	BouncedAt *time.Time `json:"bounced_at" db:"bounced_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
