package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/token-custody/internal/circuitbreaker"
	"github.com/token-custody/internal/config"
	"github.com/token-custody/internal/errors"
	"github.com/token-custody/internal/logging"
)

// resultPollInterval is how often AwaitResult re-polls the compute gateway
// while a result is still pending.
const resultPollInterval = 500 * time.Millisecond

// GatewayClient talks to the messenger and compute gateways over HTTP.
// Messages are signed locally and posted to the messenger; results and
// dry-run evaluations come from the compute gateway.
type GatewayClient struct {
	messengerURL string
	computeURL   string
	httpClient   *http.Client
	limiter      *rate.Limiter
	breaker      *circuitbreaker.CircuitBreaker
	logger       *logging.Logger
}

// NewGatewayClient creates a gateway client from ledger configuration
func NewGatewayClient(cfg *config.LedgerConfig, logger *logging.Logger) *GatewayClient {
	return &GatewayClient{
		messengerURL: cfg.MessengerURL,
		computeURL:   cfg.ComputeURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		breaker:      circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("ledger-gateway"), logger),
		logger:       logger,
	}
}

type signedMessage struct {
	Process   string `json:"process"`
	Tags      []Tag  `json:"tags"`
	Data      string `json:"data,omitempty"`
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send signs msg and posts it to the messenger gateway, returning the
// correlation handle.
func (c *GatewayClient) Send(ctx context.Context, msg *Message, signer Signer) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	signature, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}

	body, err := json.Marshal(&signedMessage{
		Process:   msg.Process,
		Tags:      msg.Tags,
		Data:      msg.Data,
		Signer:    signer.Address(),
		Signature: signature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode signed message: %w", err)
	}

	var resp sendResponse
	err = c.do(ctx, http.MethodPost, c.messengerURL+"/message", body, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to send %s: %w", msg.Action(), err)
	}
	if resp.ID == "" {
		return "", errors.NewResponseShapeError(msg.Action(), "<empty message id>")
	}

	c.logger.WithFields(map[string]interface{}{
		"action":  msg.Action(),
		"process": msg.Process,
		"txId":    resp.ID,
	}).Debug("Message sent")
	return resp.ID, nil
}

// AwaitResult polls the compute gateway for the result of txID until it
// arrives or timeout passes. The remote operation itself is never aborted;
// an expired wait only abandons this continuation.
func (c *GatewayClient) AwaitResult(ctx context.Context, process, txID string, timeout time.Duration) (*Result, error) {
	deadline := time.Now().Add(timeout)
	endpoint := fmt.Sprintf("%s/result/%s?process-id=%s",
		c.computeURL, url.PathEscape(txID), url.QueryEscape(process))

	for {
		var result Result
		err := c.do(ctx, http.MethodGet, endpoint, nil, &result)
		if err == nil && len(result.Messages) > 0 {
			return &result, nil
		}
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if time.Now().After(deadline) {
			return nil, errors.NewRemoteTimeoutError("result "+txID, timeout, err)
		}
		select {
		case <-time.After(resultPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// DryRun evaluates a read-only query on the compute gateway.
func (c *GatewayClient) DryRun(ctx context.Context, msg *Message) (*Result, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dry-run message: %w", err)
	}

	var result Result
	endpoint := fmt.Sprintf("%s/dry-run?process-id=%s", c.computeURL, url.QueryEscape(msg.Process))
	if err := c.do(ctx, http.MethodPost, endpoint, body, &result); err != nil {
		return nil, fmt.Errorf("dry-run %s failed: %w", msg.Action(), err)
	}
	return &result, nil
}

// do performs one rate-limited, breaker-guarded HTTP exchange.
func (c *GatewayClient) do(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	return c.breaker.Execute(ctx, func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("gateway request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("failed to read gateway response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
		return nil
	})
}
