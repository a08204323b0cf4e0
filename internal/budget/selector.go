package budget

// Feature names the caller-visible modes whose calls are budgeted and
// rate limited. Features double as capability names in the session
// capability log.
type Feature string

const (
	FeatureChat      Feature = "chat"
	FeatureSearch    Feature = "search"
	FeatureTranslate Feature = "translate"
	FeatureVision    Feature = "vision"
	FeatureMeeting   Feature = "meeting"
	FeatureVoice     Feature = "voice"
)

// Tier is a model capability class.
type Tier string

const (
	TierLite     Tier = "lite"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Choice is the selected model for a request.
type Choice struct {
	Model string
	Tier  Tier
	// MaxOutputTokens caps generation for the tier.
	MaxOutputTokens int
}

// SelectorConfig maps tiers to concrete model IDs.
type SelectorConfig struct {
	LiteModel     string `yaml:"lite_model"`
	StandardModel string `yaml:"standard_model"`
	PremiumModel  string `yaml:"premium_model"`
	// PremiumTokenThreshold routes large contexts to the premium tier.
	PremiumTokenThreshold int `yaml:"premium_token_threshold"`
	// LiteMaxOutput / StandardMaxOutput / PremiumMaxOutput cap
	// generation per tier.
	LiteMaxOutput     int `yaml:"lite_max_output"`
	StandardMaxOutput int `yaml:"standard_max_output"`
	PremiumMaxOutput  int `yaml:"premium_max_output"`
}

// DefaultSelectorConfig returns the production tier mapping.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		LiteModel:             "gpt-4o-mini",
		StandardModel:         "gpt-4o",
		PremiumModel:          "gpt-4-turbo",
		PremiumTokenThreshold: 12000,
		LiteMaxOutput:         512,
		StandardMaxOutput:     1024,
		PremiumMaxOutput:      2048,
	}
}

// Selector picks a model tier for a feature and estimated context
// size. Select is a pure function of its inputs: identical arguments
// always yield the identical choice.
type Selector struct {
	cfg SelectorConfig
}

// NewSelector creates a Selector. Zero config fields fall back to
// defaults.
func NewSelector(cfg SelectorConfig) *Selector {
	def := DefaultSelectorConfig()
	if cfg.LiteModel == "" {
		cfg.LiteModel = def.LiteModel
	}
	if cfg.StandardModel == "" {
		cfg.StandardModel = def.StandardModel
	}
	if cfg.PremiumModel == "" {
		cfg.PremiumModel = def.PremiumModel
	}
	if cfg.PremiumTokenThreshold <= 0 {
		cfg.PremiumTokenThreshold = def.PremiumTokenThreshold
	}
	if cfg.LiteMaxOutput <= 0 {
		cfg.LiteMaxOutput = def.LiteMaxOutput
	}
	if cfg.StandardMaxOutput <= 0 {
		cfg.StandardMaxOutput = def.StandardMaxOutput
	}
	if cfg.PremiumMaxOutput <= 0 {
		cfg.PremiumMaxOutput = def.PremiumMaxOutput
	}
	return &Selector{cfg: cfg}
}

// Select picks the model. Higher-stakes features (vision, meeting
// booking) and chat turns with an established session route to the
// standard tier; very large contexts route to premium; everything else
// runs lite.
func (s *Selector) Select(feature Feature, estimatedTokens int, hasSession bool) Choice {
	if estimatedTokens >= s.cfg.PremiumTokenThreshold {
		return Choice{Model: s.cfg.PremiumModel, Tier: TierPremium, MaxOutputTokens: s.cfg.PremiumMaxOutput}
	}

	switch feature {
	case FeatureVision, FeatureMeeting:
		return Choice{Model: s.cfg.StandardModel, Tier: TierStandard, MaxOutputTokens: s.cfg.StandardMaxOutput}
	case FeatureChat:
		if hasSession {
			return Choice{Model: s.cfg.StandardModel, Tier: TierStandard, MaxOutputTokens: s.cfg.StandardMaxOutput}
		}
	}

	return Choice{Model: s.cfg.LiteModel, Tier: TierLite, MaxOutputTokens: s.cfg.LiteMaxOutput}
}
