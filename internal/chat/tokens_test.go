package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/strandchat/strand/internal/models"
)

func turn(role models.Role, content string) models.Message {
	return models.Message{Role: role, Content: content}
}

func TestTrimToBudget(t *testing.T) {
	// Estimator path: ~1 token per 4 bytes.
	c := &tokenCounter{}
	filler := strings.Repeat("word ", 40) // ~51 tokens

	msgs := []models.Message{
		turn(models.RoleSystem, "be terse"),
		turn(models.RoleUser, filler),
		turn(models.RoleAssistant, filler),
		turn(models.RoleUser, filler),
		turn(models.RoleAssistant, filler),
		turn(models.RoleUser, "latest question"),
	}

	kept := trimToBudget(c, msgs, 120)

	// System prompt and the newest turn always survive; the oldest
	// exchange is dropped first.
	assert.Equal(t, models.RoleSystem, kept[0].Role)
	assert.Equal(t, "latest question", kept[len(kept)-1].Content)
	assert.Less(t, len(kept), len(msgs))

	total := 0
	for _, m := range kept {
		total += c.Count(m.Content)
	}
	assert.LessOrEqual(t, total, 120)
}

func TestTrimToBudget_NoTrimNeeded(t *testing.T) {
	c := &tokenCounter{}
	msgs := []models.Message{
		turn(models.RoleUser, "hi"),
		turn(models.RoleAssistant, "hello"),
	}
	assert.Equal(t, msgs, trimToBudget(c, msgs, 1000))
}

func TestTrimToBudget_Disabled(t *testing.T) {
	c := &tokenCounter{}
	msgs := []models.Message{turn(models.RoleUser, strings.Repeat("x", 4096))}
	assert.Equal(t, msgs, trimToBudget(c, msgs, 0))
}

func TestFallbackTitle(t *testing.T) {
	assert.Equal(t, "short", fallbackTitle("short"))
	long := fallbackTitle(strings.Repeat("several words here ", 10))
	assert.LessOrEqual(t, len(long), 52)
	assert.True(t, strings.HasSuffix(long, "…"))
	assert.Equal(t, "one two", fallbackTitle("one\n  two"))
}
