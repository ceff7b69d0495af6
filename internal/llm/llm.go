// Package llm implements internal/runexec.Translator against the
// Anthropic Messages API, rewriting non-English commit messages an
// agent produced into English before they reach a pull request.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/forgepilot/forgepilot/internal/logging"
)

const defaultModel = "claude-3-5-haiku-20241022"

// Config holds the Anthropic API credentials and model selection.
type Config struct {
	APIKey string
	Model  string
}

// Translator calls the Anthropic Messages API to translate commit
// messages into English.
type Translator struct {
	client     anthropic.Client
	model      anthropic.Model
	configured bool
	log        *logging.Logger
}

// New creates a Translator. A zero Config.APIKey yields a Translator
// whose EnsureEnglish passes messages through unchanged, so a daemon
// run without an Anthropic key degrades gracefully instead of failing
// to start.
func New(cfg Config, log *logging.Logger) *Translator {
	if log == nil {
		log = logging.NewNop()
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	t := &Translator{model: anthropic.Model(model), log: log}
	if cfg.APIKey != "" {
		t.client = anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
		t.configured = true
	}
	return t
}

// EnsureEnglish returns message translated to English if it contains
// non-English text, or message unchanged if it already reads as
// English or no API key is configured. hint carries extra context
// (e.g. the task's working language) for ambiguous short messages.
func (t *Translator) EnsureEnglish(ctx context.Context, message, hint string) (string, error) {
	if !t.configured || strings.TrimSpace(message) == "" {
		return message, nil
	}

	prompt := fmt.Sprintf(
		"The following git commit message may or may not be written in English.\n"+
			"If it is already English, reply with it verbatim and nothing else.\n"+
			"Otherwise translate it to a concise English commit message, preserving\n"+
			"any code identifiers, file paths, and issue references unchanged.\n"+
			"Context: %s\n\nCommit message:\n%s", hint, message)

	resp, err := t.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     t.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("translating commit message: %w", err)
	}

	translated := extractText(resp)
	if translated == "" {
		t.log.Warn("empty translation response, keeping original message")
		return message, nil
	}
	return translated, nil
}

func extractText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
