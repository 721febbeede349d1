// Package anyllm provides an inference engine backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more behind one completion API.
//
// Usage:
//
//	eng, err := anyllm.New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-..."))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/aweiler/calliope/pkg/infer"
)

// defaultPersona is used when the device configuration carries none.
const defaultPersona = "You are a concise, friendly voice assistant for a small speech device. Keep answers short and speakable."

// Engine implements infer.Engine by wrapping github.com/mozilla-ai/any-llm-go.
type Engine struct {
	backend anyllmlib.Provider
	model   string
}

// New creates an Engine backed by the given provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp". model is the specific model to
// use (e.g. "gpt-4o-mini"). opts are any-llm-go options such as
// anyllmlib.WithAPIKey; without an API key option the provider falls back to
// its environment variable.
func New(providerName, model string, opts ...anyllmlib.Option) (*Engine, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Engine{backend: backend, model: model}, nil
}

// createBackend creates the underlying any-llm-go provider.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp", providerName)
	}
}

// Execute implements infer.Engine. One blocking completion per turn; the
// device protocol speaks whole replies, so streaming buys nothing here.
func (e *Engine) Execute(ctx context.Context, deviceID, text string, opts infer.Options) (infer.Reply, error) {
	persona := opts.Persona
	if persona == "" {
		persona = defaultPersona
	}

	params := anyllmlib.CompletionParams{
		Model: e.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: systemPrompt(persona, deviceID, opts)},
			{Role: anyllmlib.RoleUser, Content: text},
		},
	}

	resp, err := e.backend.Completion(ctx, params)
	if err != nil {
		return infer.Reply{}, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return infer.Reply{}, fmt.Errorf("anyllm: empty choices in response")
	}

	return infer.Reply{
		Text: strings.TrimSpace(resp.Choices[0].Message.ContentString()),
	}, nil
}

// systemPrompt assembles the persona plus turn metadata into one system message.
func systemPrompt(persona, deviceID string, opts infer.Options) string {
	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\nRules:\n")
	b.WriteString("1. Replies are spoken aloud: keep them brief, no markdown, no lists.\n")
	b.WriteString("2. Do not explain yourself or apologise for being an assistant.\n")
	if len(opts.Workflows) > 0 {
		fmt.Fprintf(&b, "\nActive workflows: %s.\n", strings.Join(opts.Workflows, ", "))
	}
	if len(opts.DeviceInfo) > 0 {
		fmt.Fprintf(&b, "Device: %s", deviceID)
		for k, v := range opts.DeviceInfo {
			fmt.Fprintf(&b, " %s=%s", k, v)
		}
		b.WriteString(".\n")
	}
	return b.String()
}

var _ infer.Engine = (*Engine)(nil)
