package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/veldtlabs/concierge/internal/budget"
	"github.com/veldtlabs/concierge/internal/fault"
	"github.com/veldtlabs/concierge/pkg/session"
)

// VoiceTokenTool mints short-lived tokens that let the browser open a
// realtime voice channel. Tokens are scoped to one session key.
type VoiceTokenTool struct {
	store session.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewVoiceTokenTool creates a voice token adapter.
func NewVoiceTokenTool(store session.Store, ttl time.Duration) *VoiceTokenTool {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &VoiceTokenTool{store: store, ttl: ttl, now: time.Now}
}

func (t *VoiceTokenTool) Name() string            { return "voicetoken" }
func (t *VoiceTokenTool) Feature() budget.Feature { return budget.FeatureVoice }
func (t *VoiceTokenTool) CostUSD() float64        { return 0.02 }

// VoiceToken is a one-session credential for the voice channel.
type VoiceToken struct {
	Token      string `json:"token"`
	SessionKey string `json:"session_key"`
	ExpiresAt  string `json:"expires_at"`
}

// Execute implements Tool. The payload is unused; the token is bound
// to the calling session.
func (t *VoiceTokenTool) Execute(ctx context.Context, meta Meta, _ json.RawMessage) (any, error) {
	token := VoiceToken{
		Token:      uuid.New().String(),
		SessionKey: meta.SessionKey,
		ExpiresAt:  t.now().Add(t.ttl).UTC().Format(time.RFC3339),
	}

	if _, err := t.store.Update(ctx, meta.SessionKey, &session.Patch{
		AppendMultimodal: &session.MultimodalRecord{
			Kind:    "voice",
			Summary: "voice channel opened",
		},
	}); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "record voice channel", err)
	}

	return token, nil
}
