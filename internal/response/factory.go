package response

import (
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/orchestrator"
)

// Generator kinds accepted by RESPONSE_GENERATOR
const (
	KindBasic        = "basic"
	KindGroq         = "groq"
	KindOrchestrator = "orchestrator"
)

// Built is the generator chosen by New together with its resources
type Built struct {
	Generator Generator
	Kind      string

	// Orchestrator is set when the orchestrator client was created, for
	// readiness checks
	Orchestrator *orchestrator.Client

	closers []io.Closer
}

// Close releases connections held by the generator
func (b *Built) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// New selects a generator from cfg. A misconfigured provider falls back to
// the basic generator with a warning instead of failing startup.
func New(cfg *config.Config, logger zerolog.Logger) *Built {
	basic := NewBasicGenerator()
	kind := strings.ToLower(strings.TrimSpace(cfg.ResponseGenerator))
	if kind == "" {
		kind = KindBasic
	}

	wrap := func(primary Generator) Generator {
		if cfg.ResponseFallback {
			return NewFallbackGenerator(primary, basic, logger)
		}
		return primary
	}

	switch kind {
	case KindBasic:
		return &Built{Generator: basic, Kind: KindBasic}

	case KindGroq:
		if cfg.GroqAPIKey == "" {
			logger.Warn().Msg("GROQ_API_KEY not set, falling back to basic generator")
			return &Built{Generator: basic, Kind: KindBasic}
		}
		return &Built{Generator: wrap(NewOpenAIGenerator(cfg, logger)), Kind: KindGroq}

	case KindOrchestrator:
		client, err := orchestrator.NewClient(cfg, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Orchestrator unavailable, falling back to basic generator")
			return &Built{Generator: basic, Kind: KindBasic}
		}
		return &Built{
			Generator:    wrap(client),
			Kind:         KindOrchestrator,
			Orchestrator: client,
			closers:      []io.Closer{client},
		}

	default:
		logger.Warn().Str("type", kind).Msg("Unknown response generator type, using basic")
		return &Built{Generator: basic, Kind: KindBasic}
	}
}
