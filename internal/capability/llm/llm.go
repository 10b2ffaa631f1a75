// Package llm implements the capability contracts on top of an
// OpenAI-compatible chat completion API. Structured answers are requested with
// strict JSON schemas; malformed JSON is repaired before decoding.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/domain"
	"github.com/ashureev/advisor/internal/schema"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"
	"github.com/sashabaranov/go-openai"
)

var (
	errEmptyResponse = errors.New("empty response from model")
	fencePattern     = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")
)

// Config holds connection settings for the model endpoint.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Provider calls the model for classification, extraction and questions.
type Provider struct {
	client *openai.Client
	model  string
	schema *schema.Schema
	logger *slog.Logger

	classifySchema *jsonschema.Schema
}

var (
	_ capability.Classifier        = (*Provider)(nil)
	_ capability.Extractor         = (*Provider)(nil)
	_ capability.QuestionGenerator = (*Provider)(nil)
)

// New creates a provider. Model defaults to gpt-4o-mini.
func New(cfg Config, s *schema.Schema, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	intents := make([]any, 0, len(domain.Intents))
	for _, in := range domain.Intents {
		intents = append(intents, string(in))
	}

	return &Provider{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		schema: s,
		logger: logger,
		classifySchema: strictObject(map[string]*jsonschema.Schema{
			"intent":     {Type: "string", Enum: intents},
			"confidence": {Type: "number"},
		}),
	}
}

// Set returns the provider as a capability set.
func (p *Provider) Set() capability.Set {
	return capability.Set{Classifier: p, Extractor: p, Questions: p}
}

// Classify asks the model for the intent of the message.
func (p *Provider) Classify(ctx context.Context, req capability.ClassifyRequest) (capability.Classification, error) {
	var raw struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	user := fmt.Sprintf("Conversation so far:\n%s\n\nNew message: %s", formatHistory(req.History), req.Text)
	if err := p.structured(ctx, "intent_classification", classifyPrompt, user, p.classifySchema, &raw); err != nil {
		return capability.Classification{}, err
	}
	return capability.Classification{
		Intent:     domain.ParseIntent(strings.ToLower(strings.TrimSpace(raw.Intent))),
		Confidence: raw.Confidence,
	}, nil
}

// Extract asks the model for raw candidate values for the target slots.
func (p *Provider) Extract(ctx context.Context, req capability.ExtractRequest) (capability.ExtractResult, error) {
	if len(req.Targets) == 0 {
		return capability.ExtractResult{}, nil
	}
	names := make([]any, 0, len(req.Targets))
	for _, d := range req.Targets {
		names = append(names, d.Name)
	}
	out := strictObject(map[string]*jsonschema.Schema{
		"candidates": {
			Type: "array",
			Items: strictObject(map[string]*jsonschema.Schema{
				"slot": {Type: "string", Enum: names},
				"raw":  {Type: "string"},
			}),
		},
		"correction": {Type: "boolean"},
	})

	targets, err := json.Marshal(req.Targets)
	if err != nil {
		return capability.ExtractResult{}, fmt.Errorf("encode targets: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Slots:\n%s\n\n", targets)
	if req.LastQuestion != "" {
		fmt.Fprintf(&b, "Last question asked: %s\n", req.LastQuestion)
	}
	if req.Focus != "" {
		fmt.Fprintf(&b, "The message is most likely an answer for slot: %s\n", req.Focus)
	}
	fmt.Fprintf(&b, "Message: %s", req.Text)

	var res capability.ExtractResult
	if err := p.structured(ctx, "slot_extraction", extractPrompt, b.String(), out, &res); err != nil {
		return capability.ExtractResult{}, err
	}
	// The model may still name slots it was not asked about.
	kept := res.Candidates[:0]
	for _, c := range res.Candidates {
		if c.Raw != "" && containsName(req.Targets, c.Slot) {
			kept = append(kept, c)
		}
	}
	res.Candidates = kept
	return res, nil
}

// Question asks the model to phrase the next clarifying question.
func (p *Provider) Question(ctx context.Context, req capability.QuestionRequest) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Slot: %s (%s)\nTemplate question: %s\n", req.Slot.Name, req.Slot.Description, req.Slot.Question)
	if len(req.Slot.Values) > 0 {
		fmt.Fprintf(&b, "Allowed answers: %s\n", strings.Join(req.Slot.Values, ", "))
	}
	if req.Reason != "" {
		fmt.Fprintf(&b, "The previous answer was rejected because: %s\nPrevious question: %s\n", req.Reason, req.Previous)
	}
	fmt.Fprintf(&b, "Conversation so far:\n%s", formatHistory(req.History))

	text, err := p.complete(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: 0.3,
		MaxTokens:   120,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: questionPrompt},
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
	})
	if err != nil {
		return "", err
	}
	text = strings.Trim(strings.TrimSpace(text), `"`)
	if req.Reason != "" && !strings.Contains(strings.ToLower(text), strings.ToLower(req.Reason)) {
		text = "Hmm, " + req.Reason + ". " + text
	}
	return text, nil
}

func (p *Provider) structured(ctx context.Context, name, system, user string, out *jsonschema.Schema, v any) error {
	content, err := p.complete(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Strict: true,
				Schema: out,
			},
		},
	})
	if err != nil {
		return err
	}
	if err := unmarshalJSON([]byte(stripFences(content)), v); err != nil {
		p.logger.Warn("failed to parse model response", "op", name, "content", truncateForLog(content, 200), "error", err)
		return fmt.Errorf("parse %s response: %w", name, err)
	}
	return nil
}

func (p *Provider) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, req)
	latency := time.Since(start)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyResponse
	}
	p.logger.Debug("chat completion finished",
		"model", p.model,
		"latency_ms", latency.Milliseconds(),
		"tokens", resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}

// strictObject builds an object schema in the shape strict structured output
// requires: every property required and no additional properties.
func strictObject(props map[string]*jsonschema.Schema) *jsonschema.Schema {
	required := make([]string, 0, len(props))
	for name := range props {
		required = append(required, name)
	}
	slices.Sort(required)
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
}

// unmarshalJSON decodes data into v, repairing it first when it is not valid
// JSON.
func unmarshalJSON(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return err
	}
	fixed, repairErr := jsonrepair.JSONRepair(string(data))
	if repairErr != nil {
		return fmt.Errorf("repair json: %w", repairErr)
	}
	return json.Unmarshal([]byte(fixed), v)
}

func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		if m := fencePattern.FindStringSubmatch(content); len(m) > 1 {
			return m[1]
		}
	}
	return content
}

func formatHistory(history []domain.Message) string {
	if len(history) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func containsName(targets []schema.Descriptor, name string) bool {
	for _, d := range targets {
		if d.Name == name {
			return true
		}
	}
	return false
}

func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
