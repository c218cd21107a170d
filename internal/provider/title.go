package provider

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// TitleTimeout bounds one background title-generation request.
const TitleTimeout = 30 * time.Second

const titleSystemPrompt = "Generate a short title (at most 6 words) summarizing the user's request. " +
	"Reply with the title only: no quotes, no trailing punctuation."

const maxTitleLen = 80

// GenerateTitle asks the provider for a short session title based on the
// first user message. The result is cleaned up for display.
func GenerateTitle(ctx context.Context, p Provider, model, firstMessage string) (string, error) {
	resp, err := p.Chat(ctx, &ChatRequest{
		Model: model,
		Messages: []Message{
			{Role: RoleSystem, Content: titleSystemPrompt},
			{Role: RoleUser, Content: firstMessage},
		},
		MaxTokens: 32,
	})
	if err != nil {
		return "", err
	}
	return cleanTitle(resp.Content), nil
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	// Keep the first line only; some models add an explanation after it.
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = strings.TrimSpace(title[:idx])
	}
	title = strings.TrimRightFunc(title, func(r rune) bool {
		return unicode.IsPunct(r) && r != ')' && r != '?'
	})
	if len(title) > maxTitleLen {
		title = strings.TrimSpace(title[:maxTitleLen])
	}
	return title
}
