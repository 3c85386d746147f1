package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a warmup campaign.
type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// Campaign is a multi-week warmup run over a set of sender accounts and a
// pool of receiver accounts. Mutated exclusively by the scheduler, under
// the per-campaign lease.
type Campaign struct {
	ID          string         `json:"id" db:"id"`
	Name        string         `json:"name" db:"name"`
	SenderIDs   []string       `json:"sender_ids" db:"sender_ids"`
	ReceiverIDs []string       `json:"receiver_ids" db:"receiver_ids"`
	Status      CampaignStatus `json:"status" db:"status"`
	Language    string         `json:"language" db:"language"`

	DurationWeeks int `json:"duration_weeks" db:"duration_weeks"`
	CurrentWeek   int `json:"current_week" db:"current_week"`

	// SendDate is the calendar day (in the business-hours timezone) that
	// EmailsSentToday and TargetEmailsToday refer to. A date rollover
	// resets the daily counters.
	SendDate          string     `json:"send_date" db:"send_date"`
	EmailsSentToday   int        `json:"emails_sent_today" db:"emails_sent_today"`
	TargetEmailsToday int        `json:"target_emails_today" db:"target_emails_today"`
	TotalEmailsSent   int        `json:"total_emails_sent" db:"total_emails_sent"`
	NextSendAt        *time.Time `json:"next_send_at" db:"next_send_at"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignFailed
}

// WeekAt returns the 1-based warmup week at the given instant. Campaigns
// that have not started yet are in week 1.
func (c *Campaign) WeekAt(now time.Time) int {
	if c.StartedAt == nil || now.Before(*c.StartedAt) {
		return 1
	}
	return int(now.Sub(*c.StartedAt).Hours()/(24*7)) + 1
}
