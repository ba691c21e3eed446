package response

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/config"
)

// ErrEmptyReply is returned when the model produced no text
var ErrEmptyReply = errors.New("model returned an empty reply")

const (
	historyWindow = 5  // exchanges sent with each request
	historyLimit  = 10 // exchanges kept per session
)

// DefaultSystemPrompt configures the model as a claims intake agent
const DefaultSystemPrompt = `You are an empathetic and professional First Notice of Loss (FNOL) agent for car insurance claims, efficiently gathering essential information about the caller's accident.
Collect the following information:
- Full name
- Policy number
- Car details
- Accident details
- Location
Ask one question at a time and be supportive. Keep every reply to one or two short spoken sentences.`

type exchange struct {
	user      string
	assistant string
	at        time.Time
}

// OpenAIGenerator generates replies with an OpenAI compatible chat
// completions API (Groq by default)
type OpenAIGenerator struct {
	client       openai.Client
	model        string
	maxTokens    int64
	temperature  float64
	systemPrompt string
	logger       zerolog.Logger

	mu      sync.Mutex
	history map[string][]exchange
}

// NewOpenAIGenerator creates a chat completion generator from cfg
func NewOpenAIGenerator(cfg *config.Config, logger zerolog.Logger, opts ...option.RequestOption) *OpenAIGenerator {
	base := []option.RequestOption{
		option.WithAPIKey(cfg.GroqAPIKey),
		option.WithBaseURL(cfg.GroqBaseURL),
		option.WithMaxRetries(cfg.RetryMaxAttempts),
	}
	return &OpenAIGenerator{
		client:       openai.NewClient(append(base, opts...)...),
		model:        cfg.GroqModel,
		maxTokens:    int64(cfg.GroqMaxTokens),
		temperature:  cfg.GroqTemperature,
		systemPrompt: DefaultSystemPrompt,
		logger:       logger.With().Str("component", "llm").Logger(),
		history:      make(map[string][]exchange),
	}
}

// GenerateReply sends the system prompt, recent history and text to the model
func (g *OpenAIGenerator) GenerateReply(ctx context.Context, text, sessionID string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(g.systemPrompt)}
	for _, ex := range g.recent(sessionID) {
		messages = append(messages, openai.UserMessage(ex.user), openai.AssistantMessage(ex.assistant))
	}
	messages = append(messages, openai.UserMessage(text))

	start := time.Now()
	completion, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(g.model),
		Messages:    messages,
		MaxTokens:   openai.Int(g.maxTokens),
		Temperature: openai.Float(g.temperature),
		TopP:        openai.Float(1),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", ErrEmptyReply
	}
	reply := strings.TrimSpace(completion.Choices[0].Message.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}

	g.logger.Debug().
		Str("model", g.model).
		Dur("latency", time.Since(start)).
		Int64("tokens", completion.Usage.TotalTokens).
		Msg("Reply generated")

	if sessionID != "" {
		g.store(sessionID, text, reply)
	}
	return reply, nil
}

func (g *OpenAIGenerator) recent(sessionID string) []exchange {
	if sessionID == "" {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	history := g.history[sessionID]
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	return append([]exchange(nil), history...)
}

func (g *OpenAIGenerator) store(sessionID, user, assistant string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	history := append(g.history[sessionID], exchange{user: user, assistant: assistant, at: time.Now()})
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	g.history[sessionID] = history
}

// HistoryLen returns the number of exchanges kept for a session
func (g *OpenAIGenerator) HistoryLen(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.history[sessionID])
}

// ReleaseSession drops the conversation history of a finished call
func (g *OpenAIGenerator) ReleaseSession(sessionID string) {
	g.mu.Lock()
	delete(g.history, sessionID)
	g.mu.Unlock()
}
