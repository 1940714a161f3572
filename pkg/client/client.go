package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ternvm/tern/internal/types"
	"github.com/ternvm/tern/pkg/image"
	"github.com/ternvm/tern/pkg/rpc"
)

// Default configuration values.
const (
	// DefaultEndpoint is the local node RPC address.
	DefaultEndpoint = "http://127.0.0.1:8650"

	// DefaultRequestTimeout is the default timeout for RPC requests.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of retries for failed requests.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the initial delay between retries.
	DefaultRetryDelay = 100 * time.Millisecond

	// DefaultMaxRetryDelay is the maximum delay between retries.
	DefaultMaxRetryDelay = 5 * time.Second

	// DefaultPollInterval is the default interval for Wait* polling.
	DefaultPollInterval = 500 * time.Millisecond
)

// maxResponseSize bounds RPC response bodies. Program images travel in
// responses, so this is generous.
const maxResponseSize = 64 * 1024 * 1024

// Config holds configuration for the Client.
type Config struct {
	// RequestTimeout is the timeout for individual RPC requests.
	RequestTimeout time.Duration

	// MaxRetries is the number of retries for failed requests.
	MaxRetries int

	// RetryDelay is the initial delay between retries.
	RetryDelay time.Duration

	// MaxRetryDelay is the maximum delay between retries.
	MaxRetryDelay time.Duration

	// PollInterval is the interval for WaitHealthy and WaitRun polling.
	PollInterval time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: DefaultRequestTimeout,
		MaxRetries:     DefaultMaxRetries,
		RetryDelay:     DefaultRetryDelay,
		MaxRetryDelay:  DefaultMaxRetryDelay,
		PollInterval:   DefaultPollInterval,
	}
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaults.PollInterval
	}

	return c
}

// Client is a JSON-RPC client for a tern node.
type Client struct {
	config     Config
	httpClient *http.Client
	pool       Pool
	nextID     atomic.Uint64
}

// New creates a client for a single endpoint URL. An empty endpoint
// uses DefaultEndpoint.
func New(endpoint string, config Config) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return newClient(NewStaticPool([]string{endpoint}), config.WithDefaults())
}

// NewWithPool creates a client over an endpoint pool.
func NewWithPool(pool Pool, config Config) (*Client, error) {
	if pool == nil {
		return nil, ErrNoEndpoints
	}
	return newClient(pool, config.WithDefaults()), nil
}

func newClient(pool Pool, config Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
		},
		pool: pool,
	}
}

// Close releases the endpoint pool.
func (c *Client) Close() error {
	return c.pool.Close()
}

// HealthyEndpoints returns the number of healthy endpoints in the pool.
func (c *Client) HealthyEndpoints() int {
	return c.pool.HealthyCount()
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpc.RPCError   `json:"error,omitempty"`
}

// call makes a single JSON-RPC call against a pool endpoint and
// unmarshals the result into result (if non-nil). Transport and parse
// failures mark the endpoint unhealthy; error responses from the node
// are returned as *rpc.RPCError without a health penalty.
func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	endpoint, err := c.pool.GetEndpoint(ctx)
	if err != nil {
		return fmt.Errorf("get endpoint: %w", err)
	}

	reqBody := rpcRequest{
		JSONRPC: rpc.JSONRPCVersion,
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.pool.MarkUnhealthy(endpoint.URL, err)
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		c.pool.MarkUnhealthy(endpoint.URL, err)
		return err
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.pool.MarkUnhealthy(endpoint.URL, err)
		return fmt.Errorf("read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.pool.MarkUnhealthy(endpoint.URL, err)
		return fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}

	c.pool.MarkHealthy(endpoint.URL, time.Since(start))
	return nil
}

// callWithRetry issues the call with bounded retry and exponential
// backoff on transient failures. Only idempotent methods go through
// here; execution and delete methods issue a single attempt because a
// lost response cannot distinguish applied from not.
func (c *Client) callWithRetry(ctx context.Context, method string, params []interface{}, result interface{}) error {
	var lastErr error
	delay := c.config.RetryDelay

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.call(ctx, method, params, result)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}

		lastErr = err

		if attempt < c.config.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = minDuration(delay*2, c.config.MaxRetryDelay)
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", method, c.config.MaxRetries+1, lastErr)
}

// SubmitProgram stores a serialized program image on the node and
// returns its summary. Submission is content-addressed, so retries are
// safe.
func (c *Client) SubmitProgram(ctx context.Context, data []byte) (*rpc.ProgramSummary, error) {
	params := []interface{}{
		rpc.EncodeBase64(data),
		rpc.SubmitConfig{Encoding: rpc.EncodingBase64},
	}

	var out rpc.ProgramSummary
	if err := c.callWithRetry(ctx, "submitProgram", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecuteProgram runs a serialized program image without storing it.
// cfg may be nil for node defaults; its Encoding field is ignored
// because the image always travels base64-encoded.
func (c *Client) ExecuteProgram(ctx context.Context, data []byte, cfg *rpc.ExecuteConfig) (*rpc.RunResult, error) {
	conf := rpc.ExecuteConfig{Encoding: rpc.EncodingBase64}
	if cfg != nil {
		conf.StepBudget = cfg.StepBudget
		conf.Trace = cfg.Trace
	}
	params := []interface{}{rpc.EncodeBase64(data), conf}

	var out rpc.RunResult
	if err := c.call(ctx, "executeProgram", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunProgram executes a stored program. cfg may be nil for node
// defaults.
func (c *Client) RunProgram(ctx context.Context, id types.ImageID, cfg *rpc.ExecuteConfig) (*rpc.RunResult, error) {
	params := []interface{}{id.String()}
	if cfg != nil {
		params = append(params, cfg)
	}

	var out rpc.RunResult
	if err := c.call(ctx, "runProgram", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProgram returns metadata for a stored program.
func (c *Client) GetProgram(ctx context.Context, id types.ImageID) (*rpc.ProgramSummary, error) {
	params := []interface{}{id.String()}

	var out rpc.ProgramSummary
	if err := c.callWithRetry(ctx, "getProgram", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchProgram downloads a stored program image from the node.
func (c *Client) FetchProgram(ctx context.Context, id types.ImageID) (*image.Image, error) {
	params := []interface{}{
		id.String(),
		rpc.ProgramConfig{Encoding: rpc.EncodingBase64, WithData: true},
	}

	var out struct {
		rpc.ProgramSummary
		Data []string `json:"data"`
	}
	if err := c.callWithRetry(ctx, "getProgram", params, &out); err != nil {
		return nil, err
	}
	if len(out.Data) < 2 {
		return nil, fmt.Errorf("program %s: response carries no data", id.Short())
	}

	raw, err := rpc.DecodeData(out.Data[0], rpc.Encoding(out.Data[1]))
	if err != nil {
		return nil, fmt.Errorf("decode program data: %w", err)
	}
	img, err := image.Deserialize(raw)
	if err != nil {
		return nil, fmt.Errorf("deserialize program: %w", err)
	}
	return img, nil
}

// ListPrograms returns stored program summaries, newest first.
// limit <= 0 returns all.
func (c *Client) ListPrograms(ctx context.Context, limit int) ([]rpc.ProgramSummary, error) {
	params := []interface{}{limit}

	var out []rpc.ProgramSummary
	if err := c.callWithRetry(ctx, "listPrograms", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteProgram removes a stored program.
func (c *Client) DeleteProgram(ctx context.Context, id types.ImageID) error {
	params := []interface{}{id.String()}

	var ok bool
	return c.call(ctx, "deleteProgram", params, &ok)
}

// Disassemble returns the assembly listing of a stored program.
func (c *Client) Disassemble(ctx context.Context, id types.ImageID) (*rpc.DisasmInfo, error) {
	params := []interface{}{id.String()}

	var out rpc.DisasmInfo
	if err := c.callWithRetry(ctx, "disassembleProgram", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun returns the record of one past execution.
func (c *Client) GetRun(ctx context.Context, id types.RunID) (*rpc.RunResult, error) {
	params := []interface{}{id.String()}

	var out rpc.RunResult
	if err := c.callWithRetry(ctx, "getRun", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns past execution records, newest first. limit <= 0
// returns all retained records.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]rpc.RunResult, error) {
	params := []interface{}{limit}

	var out []rpc.RunResult
	if err := c.callWithRetry(ctx, "listRuns", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSteps returns traced step events for a run, starting at index
// from. limit <= 0 uses the node default.
func (c *Client) GetSteps(ctx context.Context, id types.RunID, from uint64, limit int) ([]rpc.StepInfo, error) {
	params := []interface{}{
		id.String(),
		rpc.StepsConfig{From: from, Limit: limit},
	}

	var out []rpc.StepInfo
	if err := c.callWithRetry(ctx, "getSteps", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteRun removes a run record and its trace.
func (c *Client) DeleteRun(ctx context.Context, id types.RunID) error {
	params := []interface{}{id.String()}

	var ok bool
	return c.call(ctx, "deleteRun", params, &ok)
}

// GetHealth returns nil when the node reports healthy.
func (c *Client) GetHealth(ctx context.Context) error {
	var out string
	if err := c.call(ctx, "getHealth", nil, &out); err != nil {
		return err
	}
	if out != "ok" {
		return fmt.Errorf("%w: %q", ErrUnhealthy, out)
	}
	return nil
}

// GetVersion returns the node software version.
func (c *Client) GetVersion(ctx context.Context) (*rpc.VersionInfo, error) {
	var out rpc.VersionInfo
	if err := c.callWithRetry(ctx, "getVersion", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStats returns node service counters.
func (c *Client) GetStats(ctx context.Context) (*rpc.StatsInfo, error) {
	var out rpc.StatsInfo
	if err := c.callWithRetry(ctx, "getStats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitHealthy polls getHealth until the node reports healthy or ctx
// expires.
func (c *Client) WaitHealthy(ctx context.Context) error {
	for {
		if err := c.GetHealth(ctx); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.PollInterval):
		}
	}
}

// WaitRun polls getRun until the record appears or ctx expires. Errors
// other than a missing record are returned immediately.
func (c *Client) WaitRun(ctx context.Context, id types.RunID) (*rpc.RunResult, error) {
	for {
		res, err := c.GetRun(ctx, id)
		if err == nil {
			return res, nil
		}
		if code, ok := RPCErrorCode(err); ok && code != rpc.RunNotFound {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.config.PollInterval):
		}
	}
}

// OutputBytes decodes the captured output of a run result.
func OutputBytes(res *rpc.RunResult) ([]byte, error) {
	if res == nil || res.Output == "" {
		return nil, nil
	}
	out, err := rpc.DecodeBase64(res.Output)
	if err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return out, nil
}

// minDuration returns the minimum of two durations.
func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
