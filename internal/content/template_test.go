package content

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateProviderAlwaysProducesContent(t *testing.T) {
	p := NewTemplateProvider()

	for _, lang := range []string{"en", "es", "fr", "de", "zz", ""} {
		t.Run("lang_"+lang, func(t *testing.T) {
			c, err := p.Generate(context.Background(), Request{SenderName: "Ana", Language: lang})
			require.NoError(t, err)
			assert.NotEmpty(t, c.Subject)
			assert.NotEmpty(t, c.Body)
			assert.Contains(t, c.Body, "Ana")
		})
	}
}

func TestTemplateProviderReplyMode(t *testing.T) {
	p := NewTemplateProvider()
	p.SetSeed(42)

	c, err := p.Generate(context.Background(), Request{
		SenderName:      "Ben",
		Language:        "en",
		IsReply:         true,
		OriginalSubject: "Coffee Thursday?",
		OriginalBody:    "Want to grab coffee?",
	})
	require.NoError(t, err)

	assert.Equal(t, "Re: Coffee Thursday?", c.Subject)
	assert.NotEmpty(t, c.Body)
}

func TestTemplateProviderVariesOutput(t *testing.T) {
	p := NewTemplateProvider()
	p.SetSeed(7)

	subjects := make(map[string]bool)
	for i := 0; i < 50; i++ {
		c, err := p.Generate(context.Background(), Request{SenderName: "Ana", Language: "en"})
		require.NoError(t, err)
		subjects[c.Subject] = true
	}

	// Randomized vocabulary selection should produce visible variety.
	assert.Greater(t, len(subjects), 5)
}

func TestTemplateProviderDefaultsEmptySender(t *testing.T) {
	p := NewTemplateProvider()
	c, err := p.Generate(context.Background(), Request{Language: "en"})
	require.NoError(t, err)
	assert.False(t, strings.Contains(c.Body, "{{"))
}
