package chat

import (
	"github.com/pkoukk/tiktoken-go"
	"github.com/strandchat/strand/internal/models"
)

// tokenCounter measures prompt sizes with tiktoken when the encoding is
// available, falling back to a bytes/4 estimate when it is not (the encoder
// fetches its BPE table lazily and may be unavailable offline).
type tokenCounter struct {
	enc *tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &tokenCounter{}
	}
	return &tokenCounter{enc: enc}
}

func (c *tokenCounter) Count(text string) int {
	if c.enc == nil {
		return len(text)/4 + 1
	}
	return len(c.enc.Encode(text, nil, nil))
}

// trimToBudget drops the oldest non-system turns until the history fits the
// token budget. System messages always survive; the newest message (the turn
// being answered) always survives. budget <= 0 disables trimming.
func trimToBudget(c *tokenCounter, msgs []models.Message, budget int) []models.Message {
	if budget <= 0 || len(msgs) == 0 {
		return msgs
	}

	total := 0
	for i := range msgs {
		total += c.Count(msgs[i].Content)
	}
	if total <= budget {
		return msgs
	}

	kept := make([]models.Message, 0, len(msgs))
	for i, msg := range msgs {
		if msg.Role == models.RoleSystem || i == len(msgs)-1 {
			kept = append(kept, msg)
			continue
		}
		if total > budget {
			total -= c.Count(msg.Content)
			continue
		}
		kept = append(kept, msg)
	}
	return kept
}
