package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

const (
	cartesiaVersion = "2024-06-10"
	chunkBuffer     = 16
)

// CartesiaClient implements Synthesizer using Cartesia's bytes endpoint
type CartesiaClient struct {
	apiKey         string
	apiURL         string
	voiceID        string
	modelID        string
	sampleRate     int
	httpClient     *http.Client
	logger         zerolog.Logger
	circuitBreaker *resilience.CircuitBreaker
	retry          resilience.RetryConfig
}

// CartesiaRequest represents the request payload for Cartesia TTS API
type CartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        CartesiaVoice        `json:"voice"`
	OutputFormat CartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

// CartesiaVoice selects the voice by id
type CartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

// CartesiaOutputFormat describes the raw audio requested
type CartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg *config.Config, logger zerolog.Logger) *CartesiaClient {
	return &CartesiaClient{
		apiKey:     cfg.CartesiaAPIKey,
		apiURL:     strings.TrimRight(cfg.CartesiaBaseURL, "/") + "/tts/bytes",
		voiceID:    cfg.CartesiaVoiceID,
		modelID:    cfg.CartesiaModelID,
		sampleRate: cfg.CartesiaSampleRate,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "cartesia").Logger(),
		circuitBreaker: resilience.NewCircuitBreaker(
			"cartesia",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		retry: resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}
}

// Synthesize requests speech for text and streams it back as 20ms μ-law frames
func (c *CartesiaClient) Synthesize(ctx context.Context, text string) (<-chan *AudioChunk, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("cartesia: empty text")
	}

	body, err := json.Marshal(CartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice:      CartesiaVoice{Mode: "id", ID: c.voiceID},
		OutputFormat: CartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.sampleRate,
		},
		Language: "en",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *http.Response
	err = resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
			r, err := c.send(ctx, body)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	}, resilience.IsRetryableNetworkError)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *AudioChunk, chunkBuffer)
	go c.stream(ctx, resp.Body, chunks)
	return chunks, nil
}

func (c *CartesiaClient) send(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("cartesia: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

// stream converts the PCM body into frames as it arrives
func (c *CartesiaClient) stream(ctx context.Context, body io.ReadCloser, chunks chan<- *AudioChunk) {
	defer close(chunks)
	defer body.Close()

	// One telephony frame worth of source PCM
	block := make([]byte, c.sampleRate*audio.FrameDurationMs/1000*2)
	frames := 0

	for {
		n, err := io.ReadFull(body, block)
		if n > 0 {
			if n%2 != 0 {
				n--
			}
			if n > 0 {
				mulaw, cerr := audio.ConvertPCMToPCMU(block[:n], c.sampleRate, audio.TelephonySampleRate)
				if cerr != nil {
					c.logger.Error().Err(cerr).Msg("Error converting audio format")
					return
				}
				chunk := &AudioChunk{Payload: base64.StdEncoding.EncodeToString(mulaw)}
				select {
				case chunks <- chunk:
					frames++
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				c.logger.Error().Err(err).Msg("Error reading Cartesia audio response")
			}
			break
		}
	}

	if frames == 0 {
		c.logger.Warn().Msg("Cartesia returned empty audio data")
		return
	}
	c.logger.Debug().Int("frames", frames).Msg("Synthesis streamed")
}

// Ping checks that the Cartesia API is reachable with the configured key
func (c *CartesiaClient) Ping(ctx context.Context) error {
	url := strings.TrimSuffix(c.apiURL, "/tts/bytes") + "/voices/" + c.voiceID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cartesia ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cartesia ping: status %d", resp.StatusCode)
	}
	return nil
}
