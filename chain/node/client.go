package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sputn1ck/tanglewallet/tangle"
	"golang.org/x/time/rate"
)

const (
	// APIVersionHeader carries the API version every node expects.
	APIVersionHeader = "X-IOTA-API-Version"

	// DefaultAPIVersion is the only version of the node API.
	DefaultAPIVersion = "1"

	// maxResponseSize bounds the bytes read from a response. A full
	// getTrytes answer for 1000 transactions stays well below it.
	maxResponseSize = 16 << 20
)

// Config holds configuration for the node client.
type Config struct {
	// URL is the node API endpoint.
	// Default: http://localhost:14265
	URL string

	// RateLimit is the number of requests per second allowed.
	// Default: 10
	RateLimit int

	// Timeout is the HTTP request timeout. Remote proof of work can take
	// a while, so this is generous.
	// Default: 2 minutes
	Timeout time.Duration

	// RetryAttempts is the number of retry attempts for failed read
	// requests. Writes are never retried.
	// Default: 3
	RetryAttempts int

	// RetryDelay is the delay between retry attempts.
	// Default: 1 second
	RetryDelay time.Duration

	// Requests, if set, counts requests by command and result. It must
	// have the labels "command" and "result".
	Requests *prometheus.CounterVec
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		URL:           "http://localhost:14265",
		RateLimit:     10,
		Timeout:       2 * time.Minute,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("node URL is required")
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must not be negative")
	}

	return nil
}

// Client speaks the JSON command API of a node, with rate limiting and
// retries of read only commands.
type Client struct {
	cfg *Config

	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewClient creates a new node API client.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: limiter,
	}
}

// errRetryable marks failures worth another attempt.
var errRetryable = errors.New("retryable")

// Call sends command with the given request body and decodes the answer
// into resp. Transport failures and node errors are reported as
// tangle.ErrNetwork, undecodable answers as tangle.ErrSerialization.
func (c *Client) Call(ctx context.Context, command string, req,
	resp interface{}) error {

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", tangle.ErrSerialization,
			command, err)
	}

	attempts := 0
	if idempotentCommands[command] {
		attempts = c.cfg.RetryAttempts
	}

	var respBody []byte
	for attempt := 0; ; attempt++ {
		respBody, err = c.doRequest(ctx, command, body)
		if err == nil {
			break
		}

		if !errors.Is(err, errRetryable) || attempt >= attempts {
			c.countRequest(command, "error")
			return err
		}

		delay := c.cfg.RetryDelay * time.Duration(attempt+1)
		log.Debugf("Retrying %s in %v: %v", command, delay, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.countRequest(command, "error")
			return fmt.Errorf("%w: %s: %v", tangle.ErrNetwork, command,
				ctx.Err())
		}
	}

	if resp != nil {
		if err := json.Unmarshal(respBody, resp); err != nil {
			c.countRequest(command, "error")
			return fmt.Errorf("%w: decode %s response: %v",
				tangle.ErrSerialization, command, err)
		}
	}

	c.countRequest(command, "ok")

	return nil
}

// doRequest performs a single rate limited HTTP request.
func (c *Client) doRequest(ctx context.Context, command string,
	body []byte) ([]byte, error) {

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", tangle.ErrNetwork,
			err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v",
			tangle.ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIVersionHeader, DefaultAPIVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A cancelled caller is not worth a retry.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %v", tangle.ErrNetwork,
				command, err)
		}

		return nil, fmt.Errorf("%w: %s: HTTP request failed: %v "+
			"(%w)", tangle.ErrNetwork, command, err, errRetryable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: failed to read response "+
			"body: %v (%w)", tangle.ErrNetwork, command, err,
			errRetryable)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	msg := nodeError(respBody)
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s: rate limited by node (%w)",
			tangle.ErrNetwork, command, errRetryable)

	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:

		return nil, fmt.Errorf("%w: %s: node error (%d): %s (%w)",
			tangle.ErrNetwork, command, resp.StatusCode, msg,
			errRetryable)

	default:
		return nil, fmt.Errorf("%w: %s: node rejected request (%d): %s",
			tangle.ErrNetwork, command, resp.StatusCode, msg)
	}
}

// nodeError extracts the error message of a failed response.
func nodeError(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		if e.Exception != "" {
			return e.Error + ": " + e.Exception
		}
		return e.Error
	}

	return string(body)
}

func (c *Client) countRequest(command, result string) {
	if c.cfg.Requests == nil {
		return
	}

	c.cfg.Requests.WithLabelValues(command, result).Inc()
}

// GetNodeInfo returns the node's state.
func (c *Client) GetNodeInfo(ctx context.Context) (*NodeInfo, error) {
	var info NodeInfo
	err := c.Call(ctx, CmdGetNodeInfo, &commandRequest{
		Command: CmdGetNodeInfo,
	}, &info)
	if err != nil {
		return nil, err
	}

	return &info, nil
}

// GetNeighbors returns the node's peers.
func (c *Client) GetNeighbors(ctx context.Context) ([]Neighbor, error) {
	var resp getNeighborsResponse
	err := c.Call(ctx, CmdGetNeighbors, &commandRequest{
		Command: CmdGetNeighbors,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Neighbors, nil
}

// AddNeighbors adds peers by URI and returns how many were added.
func (c *Client) AddNeighbors(ctx context.Context,
	uris []string) (int, error) {

	var resp addNeighborsResponse
	err := c.Call(ctx, CmdAddNeighbors, &neighborsRequest{
		commandRequest: commandRequest{Command: CmdAddNeighbors},
		URIs:           uris,
	}, &resp)
	if err != nil {
		return 0, err
	}

	return resp.AddedNeighbors, nil
}

// RemoveNeighbors removes peers by URI and returns how many were removed.
func (c *Client) RemoveNeighbors(ctx context.Context,
	uris []string) (int, error) {

	var resp removeNeighborsResponse
	err := c.Call(ctx, CmdRemoveNeighbors, &neighborsRequest{
		commandRequest: commandRequest{Command: CmdRemoveNeighbors},
		URIs:           uris,
	}, &resp)
	if err != nil {
		return 0, err
	}

	return resp.RemovedNeighbors, nil
}

// GetTips returns the hashes of the node's current tips.
func (c *Client) GetTips(ctx context.Context) ([]string, error) {
	var resp getTipsResponse
	err := c.Call(ctx, CmdGetTips, &commandRequest{
		Command: CmdGetTips,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Hashes, nil
}

// GetTransactionsToApprove runs tip selection on the node.
func (c *Client) GetTransactionsToApprove(ctx context.Context, depth uint64,
	reference string) (string, string, error) {

	var resp getTransactionsToApproveResponse
	err := c.Call(ctx, CmdGetTransactionsToApprove,
		&getTransactionsToApproveRequest{
			commandRequest: commandRequest{
				Command: CmdGetTransactionsToApprove,
			},
			Depth:     depth,
			Reference: reference,
		}, &resp,
	)
	if err != nil {
		return "", "", err
	}

	return resp.TrunkTransaction, resp.BranchTransaction, nil
}

// AttachToTangle has the node perform proof of work on trytes.
func (c *Client) AttachToTangle(ctx context.Context, trunk, branch string,
	mwm int, trytes []string) ([]string, error) {

	var resp trytesResponse
	err := c.Call(ctx, CmdAttachToTangle, &attachToTangleRequest{
		commandRequest:     commandRequest{Command: CmdAttachToTangle},
		TrunkTransaction:   trunk,
		BranchTransaction:  branch,
		MinWeightMagnitude: mwm,
		Trytes:             trytes,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Trytes, nil
}

// StoreTransactions stores attached trytes on the node.
func (c *Client) StoreTransactions(ctx context.Context,
	trytes []string) error {

	return c.Call(ctx, CmdStoreTransactions, &trytesRequest{
		commandRequest: commandRequest{Command: CmdStoreTransactions},
		Trytes:         trytes,
	}, nil)
}

// BroadcastTransactions sends attached trytes to the node's peers.
func (c *Client) BroadcastTransactions(ctx context.Context,
	trytes []string) error {

	return c.Call(ctx, CmdBroadcastTransactions, &trytesRequest{
		commandRequest: commandRequest{Command: CmdBroadcastTransactions},
		Trytes:         trytes,
	}, nil)
}

// CheckConsistency asks whether tails can be approved together.
func (c *Client) CheckConsistency(ctx context.Context,
	tails []string) (bool, string, error) {

	var resp checkConsistencyResponse
	err := c.Call(ctx, CmdCheckConsistency, &checkConsistencyRequest{
		commandRequest: commandRequest{Command: CmdCheckConsistency},
		Tails:          tails,
	}, &resp)
	if err != nil {
		return false, "", err
	}

	return resp.State, resp.Info, nil
}

// GetBalances returns the confirmed balances of addresses as decimal
// strings.
func (c *Client) GetBalances(ctx context.Context,
	addresses []string) ([]string, error) {

	var resp getBalancesResponse
	err := c.Call(ctx, CmdGetBalances, &getBalancesRequest{
		commandRequest: commandRequest{Command: CmdGetBalances},
		Addresses:      addresses,
		Threshold:      100,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Balances, nil
}

// FindTransactions returns the hashes of transactions matching q.
func (c *Client) FindTransactions(ctx context.Context,
	q FindQuery) ([]string, error) {

	var resp hashesResponse
	err := c.Call(ctx, CmdFindTransactions, &findTransactionsRequest{
		commandRequest: commandRequest{Command: CmdFindTransactions},
		Addresses:      q.Addresses,
		Bundles:        q.Bundles,
		Tags:           q.Tags,
		Approvees:      q.Approvees,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Hashes, nil
}

// WereAddressesSpentFrom reports whether signatures of addresses are known.
func (c *Client) WereAddressesSpentFrom(ctx context.Context,
	addresses []string) ([]bool, error) {

	var resp statesResponse
	err := c.Call(ctx, CmdWereAddressesSpentFrom, &addressesRequest{
		commandRequest: commandRequest{
			Command: CmdWereAddressesSpentFrom,
		},
		Addresses: addresses,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return resp.States, nil
}

// GetTrytes returns the raw trytes of transactions. Unknown transactions
// come back as all nines.
func (c *Client) GetTrytes(ctx context.Context,
	hashes []string) ([]string, error) {

	var resp trytesResponse
	err := c.Call(ctx, CmdGetTrytes, &hashesRequest{
		commandRequest: commandRequest{Command: CmdGetTrytes},
		Hashes:         hashes,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Trytes, nil
}

// GetInclusionStates reports whether transactions are confirmed.
func (c *Client) GetInclusionStates(ctx context.Context,
	hashes []string) ([]bool, error) {

	var resp statesResponse
	err := c.Call(ctx, CmdGetInclusionStates, &getInclusionStatesRequest{
		commandRequest: commandRequest{Command: CmdGetInclusionStates},
		Transactions:   hashes,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return resp.States, nil
}
