package domain

import "time"

// InboundMessage is a message fetched from a receiver or sender inbox,
// already parsed out of its MIME envelope by the transport layer.
type InboundMessage struct {
	// UID identifies the message within its mailbox for flag operations.
	UID uint32 `json:"uid"`

	MessageID  string   `json:"message_id"`
	InReplyTo  string   `json:"in_reply_to"`
	References []string `json:"references"`

	From    string    `json:"from"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	Date    time.Time `json:"date"`

	// SeenOnFetch is true when the transport's fetch had the side effect
	// of setting \Seen. Peek-capable transports leave it false, which
	// makes the skip-path compensation a no-op.
	SeenOnFetch bool `json:"seen_on_fetch"`
}

// OutboundMessage is a fully-rendered message ready for the SMTP mailer.
// Header generation and threading are complete by the time a message
// reaches this struct.
type OutboundMessage struct {
	MessageID  string
	From       string
	FromName   string
	To         string
	Subject    string
	Body       string
	InReplyTo  string
	References []string

	// TrackingID carries the EmailRecord ID in an X-header so bounce
	// notifications can be matched back to their record.
	TrackingID string
}
