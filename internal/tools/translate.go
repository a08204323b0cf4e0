package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/veldtlabs/concierge/internal/budget"
	"github.com/veldtlabs/concierge/internal/fault"
	"github.com/veldtlabs/concierge/internal/provider"
)

// collect drains a provider stream into its full text.
func collect(ctx context.Context, prov provider.Provider, req provider.Request) (string, error) {
	stream, err := prov.GenerateStream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return b.String(), nil
			}
			return "", err
		}
		b.WriteString(chunk.Delta)
	}
}

// TranslateTool renders visitor messages or site copy into another
// language via the lite model.
type TranslateTool struct {
	prov  provider.Provider
	model string
}

// NewTranslateTool creates a translation adapter on the given model.
func NewTranslateTool(prov provider.Provider, model string) *TranslateTool {
	return &TranslateTool{prov: prov, model: model}
}

func (t *TranslateTool) Name() string            { return "translate" }
func (t *TranslateTool) Feature() budget.Feature { return budget.FeatureTranslate }
func (t *TranslateTool) CostUSD() float64        { return 0.002 }

type translatePayload struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
}

// TranslateResult is the translated text.
type TranslateResult struct {
	TargetLanguage string `json:"target_language"`
	Text           string `json:"text"`
}

// Execute implements Tool.
func (t *TranslateTool) Execute(ctx context.Context, _ Meta, payload json.RawMessage) (any, error) {
	var p translatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "decode translate payload", err)
	}
	if p.Text == "" || p.TargetLanguage == "" {
		return nil, fault.New(fault.KindValidation, "text and target_language are required")
	}

	out, err := collect(ctx, t.prov, provider.Request{
		Model:     t.model,
		System:    "Translate the user's text into " + p.TargetLanguage + ". Reply with the translation only.",
		Messages:  []provider.Message{{Role: "user", Content: p.Text}},
		MaxTokens: 1024,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindCancelled, "translation cancelled", ctx.Err())
		}
		return nil, fault.Wrap(fault.KindProvider, "translation failed", err)
	}

	return TranslateResult{TargetLanguage: p.TargetLanguage, Text: strings.TrimSpace(out)}, nil
}
