package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SystemPrompt frames every draft request.
const SystemPrompt = "You are an expert at analyzing tables and creating compliance guideline descriptions. Generate clear, accurate descriptions that preserve all important details from the source data."

// VertexConfig selects the Gemini model.
type VertexConfig struct {
	ProjectID   string
	Region      string
	Model       string
	Temperature float32
	MaxTokens   int32
}

// Vertex completes prompts with Gemini on Vertex AI.
type Vertex struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

var _ Provider = (*Vertex)(nil)

// NewVertex creates the Vertex AI client and configures the model.
func NewVertex(ctx context.Context, cfg VertexConfig) (*Vertex, error) {
	if cfg.ProjectID == "" || cfg.Region == "" {
		return nil, fmt.Errorf("vertex: project and region are required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-pro"
	}

	client, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr(cfg.Temperature),
	}
	if cfg.MaxTokens > 0 {
		model.GenerationConfig.MaxOutputTokens = genai.Ptr(cfg.MaxTokens)
	}

	return &Vertex{client: client, model: model, name: cfg.Model}, nil
}

// Model returns the configured model name.
func (v *Vertex) Model() string { return v.name }

// Complete sends the prompt and returns the first candidate's text.
func (v *Vertex) Complete(ctx context.Context, prompt string) (*Completion, error) {
	start := time.Now()
	resp, err := v.model.GenerateContent(ctx, genai.Text(prompt))
	recordCall(ctx, v.name, start, err)
	if err != nil {
		return nil, Classify(err)
	}

	text := extractText(resp)
	if strings.TrimSpace(text) == "" {
		return nil, InvalidResponse("provider returned no text")
	}

	c := &Completion{Text: text, Model: v.name}
	if resp.UsageMetadata != nil {
		c.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		c.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	c.CostMicros = CostMicros(v.name, c.InputTokens, c.OutputTokens)

	log.Debug().
		Str("model", v.name).
		Int64("input_tokens", c.InputTokens).
		Int64("output_tokens", c.OutputTokens).
		Dur("duration", time.Since(start)).
		Msg("Completion received")

	return c, nil
}

// Close releases the client.
func (v *Vertex) Close() error {
	return v.client.Close()
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

func recordCall(ctx context.Context, model string, start time.Time, err error) {
	m := telemetry.GetMetrics()
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.ProviderCallsTotal.Add(ctx, 1, attrs)
	m.ProviderCallDurationMS.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if err != nil {
		m.ProviderFailuresTotal.Add(ctx, 1, attrs)
	}
}
