package chat

import (
	"context"
	"strings"
	"unicode"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const titlePrompt = `Write a title of at most five words for a conversation
that starts with the following message. Respond with the title only, no
quotes or punctuation around it.

Message: `

// Titler names new conversations from their first user message using a
// one-shot completion against the backend's OpenAI-compatible endpoint.
type Titler struct {
	llm llms.LLM
}

func NewTitler(baseURL, token, model string) (*Titler, error) {
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return &Titler{llm: llm}, nil
}

func (t *Titler) Title(ctx context.Context, firstUserMessage string) (string, error) {
	completion, err := llms.GenerateFromSinglePrompt(ctx, t.llm, titlePrompt+firstUserMessage)
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(completion), `"'`))
	if title == "" {
		return fallbackTitle(firstUserMessage), nil
	}
	return title, nil
}

// fallbackTitle truncates the user message to a displayable snippet.
func fallbackTitle(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	const max = 48
	if len(content) <= max {
		return content
	}
	cut := content[:max]
	if i := strings.LastIndexFunc(cut, unicode.IsSpace); i > max/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
