package orchestrator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

var processTextDesc = &grpc.StreamDesc{
	StreamName:    "ProcessText",
	ServerStreams: true,
}

// Client calls the Cognitive Orchestrator over gRPC
type Client struct {
	conn           *grpc.ClientConn
	timeout        time.Duration
	logger         zerolog.Logger
	circuitBreaker *resilience.CircuitBreaker
	retry          resilience.RetryConfig
}

// NewClient creates an orchestrator client. The connection is established
// lazily by gRPC on the first call.
func NewClient(cfg *config.Config, logger zerolog.Logger, opts ...grpc.DialOption) (*Client, error) {
	creds := insecure.NewCredentials()
	if cfg.OrchestratorTLSEnabled {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		// Keepalive settings for long-lived connections
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts...)

	conn, err := grpc.NewClient(cfg.OrchestratorURL, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator client for %s: %w", cfg.OrchestratorURL, err)
	}

	return &Client{
		conn:    conn,
		timeout: time.Duration(cfg.OrchestratorTimeout) * time.Second,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		circuitBreaker: resilience.NewCircuitBreaker(
			"orchestrator",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		retry: resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}, nil
}

// ProcessText streams the orchestrator's answer. The channel is closed after
// the final chunk, on error or when ctx is done.
func (c *Client) ProcessText(ctx context.Context, req TextRequest) (<-chan TextResponse, error) {
	msg, err := req.toStruct()
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var stream grpc.ClientStream
	err = resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
			s, err := c.conn.NewStream(ctx, processTextDesc, ProcessTextMethod)
			if err != nil {
				return err
			}
			if err := s.SendMsg(msg); err != nil {
				return err
			}
			if err := s.CloseSend(); err != nil {
				return err
			}
			stream = s
			return nil
		})
	}, resilience.IsRetryableNetworkError)
	if err != nil {
		return nil, fmt.Errorf("failed to call ProcessText: %w", err)
	}

	responses := make(chan TextResponse, 16)
	go func() {
		defer close(responses)
		for {
			var out structpb.Struct
			if err := stream.RecvMsg(&out); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					c.logger.Warn().Err(err).Msg("Error receiving from ProcessText stream")
					select {
					case responses <- TextResponse{Error: &Error{Code: "STREAM", Message: err.Error()}}:
					case <-ctx.Done():
					}
				}
				return
			}

			resp := responseFromStruct(&out)
			select {
			case responses <- resp:
			case <-ctx.Done():
				return
			}
			if resp.IsDone || resp.Error != nil {
				return
			}
		}
	}()
	return responses, nil
}

// GenerateReply collects the streamed answer into one reply
func (c *Client) GenerateReply(ctx context.Context, text, sessionID string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	responses, err := c.ProcessText(ctx, TextRequest{ConversationID: sessionID, Text: text})
	if err != nil {
		return "", err
	}

	var reply strings.Builder
	for resp := range responses {
		if resp.Error != nil {
			return "", resp.Error
		}
		reply.WriteString(resp.TextChunk)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.logger.Debug().Str("conversation_id", sessionID).Msg("ProcessText stream completed")
	return strings.TrimSpace(reply.String()), nil
}

// HealthCheck asks the orchestrator's standard gRPC health service
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("orchestrator status %s", resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}
