package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/veldtlabs/concierge/internal/budget"
	"github.com/veldtlabs/concierge/internal/fault"
	"github.com/veldtlabs/concierge/internal/provider"
	"github.com/veldtlabs/concierge/pkg/session"
)

// VisionTool analyzes visitor-shared screenshots and diagrams with the
// standard-tier model and records the exchange in the session's
// multimodal history.
type VisionTool struct {
	prov  provider.Provider
	model string
	store session.Store
}

// NewVisionTool creates a vision adapter.
func NewVisionTool(prov provider.Provider, model string, store session.Store) *VisionTool {
	return &VisionTool{prov: prov, model: model, store: store}
}

func (t *VisionTool) Name() string            { return "vision" }
func (t *VisionTool) Feature() budget.Feature { return budget.FeatureVision }
func (t *VisionTool) CostUSD() float64        { return 0.01 }

type visionPayload struct {
	ImageURL string `json:"image_url"`
	Question string `json:"question,omitempty"`
}

// VisionResult is the model's reading of the image.
type VisionResult struct {
	Analysis string `json:"analysis"`
}

// Execute implements Tool.
func (t *VisionTool) Execute(ctx context.Context, meta Meta, payload json.RawMessage) (any, error) {
	var p visionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "decode vision payload", err)
	}
	if p.ImageURL == "" {
		return nil, fault.New(fault.KindValidation, "image_url is required")
	}
	question := p.Question
	if question == "" {
		question = "Describe what this image shows and anything relevant to a product evaluation."
	}

	out, err := collect(ctx, t.prov, provider.Request{
		Model:     t.model,
		System:    "You analyze images shared by prospective customers evaluating the product.",
		Messages:  []provider.Message{{Role: "user", Content: question + "\nImage: " + p.ImageURL}},
		MaxTokens: 1024,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindCancelled, "vision analysis cancelled", ctx.Err())
		}
		return nil, fault.Wrap(fault.KindProvider, "vision analysis failed", err)
	}
	analysis := strings.TrimSpace(out)

	if _, err := t.store.Update(ctx, meta.SessionKey, &session.Patch{
		AppendMultimodal: &session.MultimodalRecord{
			Kind:    "image",
			Summary: analysis,
		},
	}); err != nil {
		// History is advisory; the analysis itself already succeeded.
		return VisionResult{Analysis: analysis}, nil
	}

	return VisionResult{Analysis: analysis}, nil
}
