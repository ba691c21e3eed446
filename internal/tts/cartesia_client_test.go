package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/config"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		CartesiaAPIKey:             "test-key",
		CartesiaVoiceID:            "voice-1",
		CartesiaModelID:            "sonic-2",
		CartesiaBaseURL:            baseURL,
		CartesiaSampleRate:         24000,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           3,
		RetryInitialBackoff:        1,
	}
}

func collect(t *testing.T, chunks <-chan *AudioChunk) []*AudioChunk {
	t.Helper()
	var out []*AudioChunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatal("timed out collecting chunks")
		}
	}
}

func TestCartesiaClient_Synthesize(t *testing.T) {
	var got CartesiaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tts/bytes", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.NotEmpty(t, r.Header.Get("Cartesia-Version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		// 60ms of 24kHz PCM16LE silence = 3 telephony frames
		w.Write(make([]byte, 3*960))
	}))
	defer server.Close()

	client := NewCartesiaClient(testConfig(server.URL), zerolog.Nop())
	chunks, err := client.Synthesize(context.Background(), "Hi there")
	require.NoError(t, err)

	frames := collect(t, chunks)
	require.Len(t, frames, 3)
	for _, frame := range frames {
		raw, err := base64.StdEncoding.DecodeString(frame.Payload)
		require.NoError(t, err)
		assert.Len(t, raw, audio.FrameSamples)
		assert.Equal(t, byte(0xFF), raw[0])
	}

	assert.Equal(t, "Hi there", got.Transcript)
	assert.Equal(t, "sonic-2", got.ModelID)
	assert.Equal(t, CartesiaVoice{Mode: "id", ID: "voice-1"}, got.Voice)
	assert.Equal(t, "pcm_s16le", got.OutputFormat.Encoding)
	assert.Equal(t, 24000, got.OutputFormat.SampleRate)
}

func TestCartesiaClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(make([]byte, 960))
	}))
	defer server.Close()

	client := NewCartesiaClient(testConfig(server.URL), zerolog.Nop())
	chunks, err := client.Synthesize(context.Background(), "hello")
	require.NoError(t, err)

	assert.Len(t, collect(t, chunks), 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCartesiaClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewCartesiaClient(testConfig(server.URL), zerolog.Nop())
	_, err := client.Synthesize(context.Background(), "hello")

	assert.ErrorContains(t, err, "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCartesiaClient_EmptyText(t *testing.T) {
	client := NewCartesiaClient(testConfig("http://unused"), zerolog.Nop())
	_, err := client.Synthesize(context.Background(), "   ")
	assert.Error(t, err)
}

func TestCartesiaClient_CancelStopsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// far more audio than the consumer will read
		w.Write(make([]byte, 200*960))
	}))
	defer server.Close()

	client := NewCartesiaClient(testConfig(server.URL), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := client.Synthesize(ctx, "a long reply")
	require.NoError(t, err)

	<-chunks
	cancel()

	select {
	case <-drain(chunks):
	case <-time.After(2 * time.Second):
		t.Fatal("chunk channel not closed after cancel")
	}
}

func drain(chunks <-chan *AudioChunk) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range chunks {
		}
		close(done)
	}()
	return done
}

func TestCartesiaClient_Ping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/voices/voice-1", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewCartesiaClient(testConfig(server.URL), zerolog.Nop())
	assert.NoError(t, client.Ping(context.Background()))
}
