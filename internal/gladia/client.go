package gladia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/endoclinic/clinic-scribe/internal/config"
	"github.com/endoclinic/clinic-scribe/internal/observability"
	"github.com/endoclinic/clinic-scribe/internal/recording"
	"github.com/endoclinic/clinic-scribe/internal/resilience"
)

const breakerName = "gladia"

// statusError is a non-success response from the session endpoint
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("session endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("session endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Client requests live transcription sessions
type Client struct {
	apiKey     string
	apiURL     string
	language   string
	httpClient *http.Client
	retry      *resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// NewClient creates a session client from configuration
func NewClient(cfg *config.Config, logger zerolog.Logger) *Client {
	breaker := resilience.NewCircuitBreaker(
		breakerName,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange = func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("service", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	return &Client{
		apiKey:     cfg.GladiaAPIKey,
		apiURL:     cfg.GladiaAPIURL,
		language:   cfg.TranscriptLanguage,
		httpClient: &http.Client{Timeout: cfg.SessionRequestTimeout},
		retry:      retry,
		breaker:    breaker,
		logger:     logger.With().Str("component", "gladia").Logger(),
	}
}

// Breaker exposes the circuit breaker guarding the session endpoint
func (c *Client) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// BeginSession requests a new live session. Any failure is reported as
// ServiceUnavailable; only network-level failures are retried.
func (c *Client) BeginSession(ctx context.Context) (recording.SessionDescriptor, error) {
	payload, err := json.Marshal(NewSessionRequest(c.language))
	if err != nil {
		return recording.SessionDescriptor{}, fmt.Errorf("failed to marshal session request: %w", err)
	}

	var desc recording.SessionDescriptor
	err = c.breaker.Call(func() error {
		return resilience.Retry(ctx, func() error {
			d, err := c.requestSession(ctx, payload)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Session request failed")
				return err
			}
			desc = d
			return nil
		}, c.retry, isRetryableSessionError)
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(breakerName)
		}
		return recording.SessionDescriptor{}, recording.NewError(recording.KindServiceUnavailable, "begin session", err)
	}

	c.logger.Info().Str("session_id", desc.ID).Msg("Transcription session created")
	return desc, nil
}

func (c *Client) requestSession(ctx context.Context, payload []byte) (recording.SessionDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return recording.SessionDescriptor{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-gladia-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to make request: %w", err)
		if ctx.Err() != nil {
			return recording.SessionDescriptor{}, err
		}
		// The request never got a response, so another attempt may succeed
		return recording.SessionDescriptor{}, resilience.NewRetryableError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return recording.SessionDescriptor{}, &statusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return recording.SessionDescriptor{}, fmt.Errorf("failed to decode session response: %w", err)
	}
	if session.URL == "" {
		return recording.SessionDescriptor{}, errors.New("session response has no stream url")
	}

	return recording.SessionDescriptor{ID: session.ID, URL: session.URL}, nil
}

func isRetryableSessionError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}
