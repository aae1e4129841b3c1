package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ReserveOutcome tags the result of a reservation attempt so callers
// decide over a value instead of unwinding through error types.
type ReserveOutcome int

const (
	// ReserveOK means the hold was placed and streaming may begin.
	ReserveOK ReserveOutcome = iota
	// ReserveInsufficient means the owner cannot cover the estimate.
	ReserveInsufficient
	// ReserveUnreachable means the ledger could not be consulted. The
	// session must not start: no unmetered usage.
	ReserveUnreachable
)

// ReserveResult is the variant returned by Reserve.
type ReserveResult struct {
	Outcome          ReserveOutcome
	ReservationID    string
	AllocatedCredits int64
	Err              error
}

// Settlement is the outcome of converting a reservation into a charge.
type Settlement struct {
	AllocatedCredits int64  `json:"allocatedCredits"`
	ChargedCredits   int64  `json:"chargedCredits"`
	RefundedCredits  int64  `json:"refund"`
	Status           string `json:"status"`
}

// ErrUnsettled is returned when Finalize/Abort exhausted its retries.
// The caller records the session for out-of-band reconciliation.
var ErrUnsettled = errors.New("ledger: settlement not confirmed")

// Client talks to the external credit accounting service.
type Client struct {
	baseURL    *url.URL
	httpClient HTTPClient
	logger     *log.Logger
	authToken  string

	// settle retry policy
	maxAttempts int
	retryBase   time.Duration
}

// NewClient constructs a ledger client for the given base URL.
func NewClient(baseURL string, httpClient HTTPClient) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:     parsed,
		httpClient:  httpClient,
		maxAttempts: 3,
		retryBase:   250 * time.Millisecond,
	}, nil
}

// SetLogger attaches a logger used for retry and reconciliation notices.
func (c *Client) SetLogger(logger *log.Logger) { c.logger = logger }

// SetAuthToken attaches a bearer token sent on every ledger call.
func (c *Client) SetAuthToken(token string) { c.authToken = strings.TrimSpace(token) }

// SetRetryPolicy overrides the settle retry bound and base backoff.
func (c *Client) SetRetryPolicy(maxAttempts int, base time.Duration) {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if base > 0 {
		c.retryBase = base
	}
}

type initializeRequest struct {
	SessionID       string `json:"sessionId"`
	ModelID         string `json:"modelId"`
	EstimatedTokens int64  `json:"estimatedTokens"`
}

type initializeResponse struct {
	SessionID        string `json:"sessionId"`
	ReservationID    string `json:"reservationId"`
	AllocatedCredits int64  `json:"allocatedCredits"`
	Status           string `json:"status"`
}

type finalizeRequest struct {
	SessionID    string `json:"sessionId"`
	ActualTokens int64  `json:"actualTokens"`
	Success      bool   `json:"success"`
}

type abortRequest struct {
	SessionID       string `json:"sessionId"`
	TokensGenerated int64  `json:"tokensGenerated"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Reserve places a hold for the estimated token spend. It is never
// retried: an unreachable ledger fails the session closed.
func (c *Client) Reserve(ctx context.Context, sessionID, modelID string, estimatedTokens int64) ReserveResult {
	if estimatedTokens <= 0 {
		return ReserveResult{Outcome: ReserveUnreachable, Err: errors.New("ledger: estimated tokens must be positive")}
	}
	payload := initializeRequest{SessionID: sessionID, ModelID: modelID, EstimatedTokens: estimatedTokens}
	var resp initializeResponse
	status, err := c.postJSON(ctx, "/streaming-sessions/initialize", payload, &resp)
	if err != nil {
		if status == http.StatusPaymentRequired {
			return ReserveResult{Outcome: ReserveInsufficient, Err: err}
		}
		return ReserveResult{Outcome: ReserveUnreachable, Err: err}
	}
	reservationID := strings.TrimSpace(resp.ReservationID)
	if reservationID == "" {
		// Older ledger versions key the hold by session id alone.
		reservationID = sessionID
	}
	return ReserveResult{
		Outcome:          ReserveOK,
		ReservationID:    reservationID,
		AllocatedCredits: resp.AllocatedCredits,
	}
}

// Finalize settles a completed session. actualTokens may be zero: an
// empty completion refunds the whole hold, it is not a validation
// error. The server contract is idempotent, so retrying after a lost
// response is safe.
func (c *Client) Finalize(ctx context.Context, sessionID, reservationID string, chargedTokens int64) (Settlement, error) {
	payload := finalizeRequest{SessionID: sessionID, ActualTokens: chargedTokens, Success: true}
	return c.settle(ctx, "/streaming-sessions/finalize", sessionID, payload)
}

// Abort settles a session that was cut short, charging only for tokens
// actually produced.
func (c *Client) Abort(ctx context.Context, sessionID, reservationID string, tokensGenerated int64) (Settlement, error) {
	payload := abortRequest{SessionID: sessionID, TokensGenerated: tokensGenerated}
	return c.settle(ctx, "/streaming-sessions/abort", sessionID, payload)
}

// settle posts a settlement with bounded exponential backoff. Client
// errors (4xx) are not retried; only transport failures and 5xx are.
func (c *Client) settle(ctx context.Context, path, sessionID string, payload any) (Settlement, error) {
	var lastErr error
	backoff := c.retryBase
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		var out Settlement
		status, err := c.postJSON(ctx, path, payload, &out)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if status >= 400 && status < 500 {
			return Settlement{}, fmt.Errorf("ledger: settle %s rejected: %w", sessionID, err)
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < c.maxAttempts {
			if c.logger != nil {
				c.logger.Printf("ledger: settle %s attempt %d/%d failed: %v (retrying in %s)", sessionID, attempt, c.maxAttempts, err, backoff)
			}
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	if c.logger != nil {
		c.logger.Printf("ledger: settle %s gave up after %d attempts: %v", sessionID, c.maxAttempts, lastErr)
	}
	return Settlement{}, fmt.Errorf("%w: %v", ErrUnsettled, lastErr)
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) (int, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return 0, err
	}
	endpoint := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(buf))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ledger: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		var errPayload errorResponse
		if jerr := json.Unmarshal(data, &errPayload); jerr == nil && strings.TrimSpace(errPayload.Error) != "" {
			return resp.StatusCode, fmt.Errorf("ledger: %s", errPayload.Error)
		}
		return resp.StatusCode, fmt.Errorf("ledger: status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("ledger: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
