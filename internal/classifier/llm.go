package classifier

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m-mizutani/gollem"

	"github.com/JakeFAU/notam-pipeline/internal/notice"
)

//go:embed prompt/system.md
var systemPrompt string

// LLM classifies notices with a structured-output LLM session.
type LLM struct {
	client gollem.LLMClient
}

// NewLLM wraps an LLM client, e.g. one built with gemini.New.
func NewLLM(client gollem.LLMClient) *LLM {
	return &LLM{client: client}
}

// Classify implements Classifier. Every call opens a fresh session so that
// notices never share conversation history.
func (l *LLM) Classify(ctx context.Context, req Request) (*notice.Classification, error) {
	session, err := l.client.NewSession(ctx,
		gollem.WithSessionContentType(gollem.ContentTypeJSON),
		gollem.WithSessionSystemPrompt(systemPrompt),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm session: %w", err)
	}

	resp, err := session.GenerateContent(ctx, gollem.Text(userPrompt(req)))
	if err != nil {
		return nil, fmt.Errorf("generate classification: %w", err)
	}
	if resp == nil || len(resp.Texts) == 0 {
		return nil, ErrEmptyResponse
	}
	raw := strings.TrimSpace(strings.Join(resp.Texts, ""))
	if raw == "" || raw == "null" {
		return nil, ErrEmptyResponse
	}

	var rec notice.Classification
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode llm classification: %w", err)
	}
	return validate(&rec)
}

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\"NOTAM issue datetime\": %s\n\n", req.IssuedAt)
	if req.Number != "" {
		fmt.Fprintf(&b, "\"NOTAM number\": %s\n\n", req.Number)
	}
	fmt.Fprintf(&b, "\"NOTAM text\":\n\n%s", req.Text)
	return b.String()
}
