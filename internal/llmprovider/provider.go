// Package llmprovider defines the language-model provider contract consumed
// by the Analyst, BusinessLogic and Critic workers, and a genkit-backed
// implementation of it.
package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// Message is one turn in a conversation submitted to the provider. Every
// message, whatever its role, is folded after the system prompt into a
// single flattened prompt as "role: content", since the
// genkit flows this provider is built on address the model with one prompt
// string rather than a structured message list.
type Message struct {
	Role    string
	Content string
}

// Provider is the language-model contract every enrichment call goes
// through. Callers must have a deterministic fallback for when it errors.
type Provider interface {
	Invoke(ctx context.Context, messages []Message, systemPrompt string, temperature float64, maxTokens int) (string, error)
	InvokeStructured(ctx context.Context, messages []Message, jsonSchemaHint string, systemPrompt string, temperature float64, out any) error
}

// textResult is the structured shape GenerateData decodes Invoke's reply
// into, so that plain-text generation goes through the same
// genkit.GenerateData call genkit's structured flows use elsewhere in this
// codebase rather than a second, unseen API surface.
type textResult struct {
	Content string `json:"content"`
}

// GenkitProvider implements Provider on top of a configured genkit instance,
// calling genkit.GenerateData with ai.WithModelName and ai.WithPrompt; no
// middleware is attached.
type GenkitProvider struct {
	g         *genkit.Genkit
	modelName string
}

// New returns a GenkitProvider bound to a genkit instance and model name.
func New(g *genkit.Genkit, modelName string) *GenkitProvider {
	return &GenkitProvider{g: g, modelName: modelName}
}

func flattenPrompt(messages []Message, systemPrompt string) string {
	prompt := systemPrompt
	for _, m := range messages {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += m.Role + ": " + m.Content
	}
	return prompt
}

// Invoke submits messages plus a system prompt and returns the generated
// text content.
func (p *GenkitProvider) Invoke(ctx context.Context, messages []Message, systemPrompt string, temperature float64, maxTokens int) (string, error) {
	prompt := flattenPrompt(messages, systemPrompt+"\n\nRespond with JSON: {\"content\": \"<your answer>\"}")

	result, _, err := genkit.GenerateData[textResult](
		ctx,
		p.g,
		ai.WithModelName(p.modelName),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("llmprovider: invoke failed: %w", err)
	}
	return result.Content, nil
}

// InvokeStructured submits messages with a system prompt that includes
// jsonSchemaHint and decodes the model's raw JSON reply into out.
func (p *GenkitProvider) InvokeStructured(ctx context.Context, messages []Message, jsonSchemaHint, systemPrompt string, temperature float64, out any) error {
	fullSystem := systemPrompt
	if jsonSchemaHint != "" {
		fullSystem = systemPrompt + "\n\nRespond with JSON matching this shape:\n" + jsonSchemaHint
	}
	prompt := flattenPrompt(messages, fullSystem)

	raw, _, err := genkit.GenerateData[json.RawMessage](
		ctx,
		p.g,
		ai.WithModelName(p.modelName),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return fmt.Errorf("llmprovider: structured invoke failed: %w", err)
	}
	if err := json.Unmarshal(*raw, out); err != nil {
		return fmt.Errorf("llmprovider: decode structured response: %w", err)
	}
	return nil
}
