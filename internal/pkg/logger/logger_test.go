package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"a@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
		{"two@signs@here.com", "***@***"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RedactEmail(tt.in))
	}
}

func TestRedactValueByKey(t *testing.T) {
	assert.Equal(t, "wa***@warm.io", redactValue("receiver", "warmbox@warm.io"))
	assert.Equal(t, "wa***@warm.io", redactValue("sender_email", "warmbox@warm.io"))

	// Embedded addresses in generic fields are still caught.
	got := redactValue("detail", "bounced for warmbox@warm.io after retry")
	assert.Equal(t, "bounced for wa***@warm.io after retry", got)
}
