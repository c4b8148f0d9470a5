// Package textgen holds the text-generation clients that phrase outreach
// reports: OpenRouter for hosted models and Ollama for local ones.
package textgen

import (
	"context"
	"fmt"
	"strings"
)

// Issue is the part of an audit issue a model is allowed to see.
type Issue struct {
	Code        string
	Description string
}

// Request asks for the body of an outreach message.
type Request struct {
	Site     string
	Score    int
	Issues   []Issue
	Tone     string
	MaxChars int
}

// Generator produces message text. Implementations may fail or return an
// empty string; callers fall back to a template.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Message is a chat message in the OpenAI/Ollama wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const systemPrompt = `You write the middle paragraph of a short, plain-English note to a small-business owner about problems found on their website.
Rules:
- Mention only the issues listed, in the order given.
- One or two sentences per issue, no jargon, no markdown, no bullet characters.
- Do not greet, sign off, add links, prices or promises.
- Reply with the paragraph text only.`

// Messages builds the chat transcript for req.
func Messages(req Request) []Message {
	var b strings.Builder
	tone := req.Tone
	if tone == "" {
		tone = "friendly"
	}
	fmt.Fprintf(&b, "Website: %s\nSEO score: %d/100\nTone: %s\n", req.Site, req.Score, tone)
	if req.MaxChars > 0 {
		fmt.Fprintf(&b, "Keep it under %d characters.\n", req.MaxChars)
	}
	b.WriteString("Issues:\n")
	for i, is := range req.Issues {
		fmt.Fprintf(&b, "%d. %s\n", i+1, is.Description)
	}
	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}
