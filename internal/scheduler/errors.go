package scheduler

import "fmt"

// ValidationError marks a campaign as structurally unusable: a broken
// reference set rather than a transient failure. The scheduler flips such
// campaigns to failed and does not retry them.
type ValidationError struct {
	CampaignID string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("campaign %s invalid: %s", e.CampaignID, e.Reason)
}
