package feed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

// Client errors.
var (
	// ErrNotConnected is returned when an operation requires a connection.
	ErrNotConnected = errors.New("client is not connected")

	// ErrAlreadyConnected is returned when Connect is called twice.
	ErrAlreadyConnected = errors.New("client is already connected")

	// ErrClosed is returned when operations are attempted on a closed client.
	ErrClosed = errors.New("client is closed")

	// ErrStreamClosed is returned when the server ends the stream.
	ErrStreamClosed = errors.New("stream closed by server")

	// ErrMaxReconnects is returned when reconnection attempts are exhausted.
	ErrMaxReconnects = errors.New("maximum reconnection attempts reached")
)

// Client consumes run events from a feed server and delivers them on a
// channel. It redials on failure with exponential backoff, resuming the
// subscription from the last sequence number it delivered.
type Client struct {
	config Config

	conn   *grpc.ClientConn
	stream *feedStream

	events chan *Event

	connected atomic.Bool
	closed    atomic.Bool

	lastSeq        atomic.Uint64
	lastUpdate     atomic.Int64
	reconnectCount atomic.Int32

	mu         sync.Mutex
	cancelFunc context.CancelFunc

	lastError   error
	lastErrorMu sync.RWMutex

	done chan struct{}
	wg   sync.WaitGroup
}

// feedStream adapts the raw gRPC stream to typed messages.
type feedStream struct {
	stream grpc.ClientStream
}

func (s *feedStream) Send(req *SubscribeRequest) error {
	return s.stream.SendMsg(req)
}

func (s *feedStream) Recv() (*Event, error) {
	ev := new(Event)
	if err := s.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *feedStream) CloseSend() error {
	return s.stream.CloseSend()
}

// NewClient creates a new feed client with the given configuration.
// The client is not connected until Connect() is called.
func NewClient(config Config) (*Client, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		config: config,
		events: make(chan *Event, config.EventChannelSize),
		done:   make(chan struct{}),
	}, nil
}

// Connect establishes the gRPC connection and starts the subscription.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()

	conn, stream, err := c.connect(ctx)
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	c.conn, c.stream = conn, stream
	c.mu.Unlock()

	c.connected.Store(true)
	c.lastUpdate.Store(time.Now().UnixNano())

	c.wg.Add(2)
	go c.receiveLoop(ctx, stream)
	go c.healthCheckLoop(ctx)

	if c.config.OnConnect != nil {
		c.config.OnConnect()
	}

	return nil
}

// connect dials the server and opens the subscribe stream. Loops for
// the new connection take the stream as a parameter, so they never read
// fields a later reconnect may swap.
func (c *Client) connect(ctx context.Context) (*grpc.ClientConn, *feedStream, error) {
	kacp := keepalive.ClientParameters{
		Time:                c.config.KeepaliveTime,
		Timeout:             c.config.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(c.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(c.config.MaxMessageSize),
		),
	}

	if c.config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(
			credentials.NewTLS(&tls.Config{
				MinVersion: tls.VersionTLS12,
			}),
		))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if c.config.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{
			token:      c.config.ExpandedToken(),
			requireTLS: c.config.UseTLS,
		}))
	}

	//nolint:staticcheck // Dial keeps compatibility with older gRPC releases.
	conn, err := grpc.Dial(c.config.Endpoint, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial feed server: %w", err)
	}

	streamCtx := ctx
	if len(c.config.Headers) > 0 {
		streamCtx = metadata.NewOutgoingContext(ctx, metadata.New(c.config.Headers))
	}

	raw, err := conn.NewStream(streamCtx, subscribeStreamDesc, subscribeMethod)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open stream: %w", err)
	}
	stream := &feedStream{stream: raw}

	if err := c.sendSubscribe(stream); err != nil {
		raw.CloseSend()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	return conn, stream, nil
}

// sendSubscribe sends the single client message and half-closes the
// stream. Resumes from the last delivered event when there is one.
func (c *Client) sendSubscribe(stream *feedStream) error {
	req := &SubscribeRequest{Kinds: c.config.Kinds}
	if last := c.lastSeq.Load(); last > 0 {
		req.FromSeq = last + 1
	} else if c.config.FromSeq > 0 {
		req.FromSeq = c.config.FromSeq
	}

	if err := stream.Send(req); err != nil {
		return err
	}
	return stream.CloseSend()
}

// receiveLoop continuously receives events from the stream.
func (c *Client) receiveLoop(ctx context.Context, stream *feedStream) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				// Context cancelled, normal shutdown.
				return
			}
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosed
			}
			c.setLastError(err)
			c.handleDisconnect(err)
			return
		}

		c.lastUpdate.Store(time.Now().UnixNano())
		c.processEvent(ev)
	}
}

// processEvent delivers one event. Heartbeats only refresh liveness.
func (c *Client) processEvent(ev *Event) {
	if ev == nil || ev.Kind == EventHeartbeat {
		return
	}

	c.lastSeq.Store(ev.Seq)

	if c.config.OnEvent != nil {
		c.config.OnEvent(ev)
	}

	select {
	case c.events <- ev:
	default:
		// Channel full, drop the oldest event.
		select {
		case <-c.events:
		default:
		}
		c.events <- ev
	}
}

// healthCheckLoop tears the connection down when the stream goes stale.
func (c *Client) healthCheckLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.connected.Load() {
				return
			}

			last := time.Unix(0, c.lastUpdate.Load())
			if time.Since(last) > c.config.StaleTimeout {
				err := fmt.Errorf("feed stale: no messages for %v", time.Since(last).Round(time.Second))
				c.setLastError(err)
				c.handleDisconnect(err)
				return
			}
		}
	}
}

// handleDisconnect handles connection loss and schedules reconnection.
func (c *Client) handleDisconnect(err error) {
	if !c.connected.CompareAndSwap(true, false) {
		return // already disconnected
	}

	if c.config.OnDisconnect != nil {
		c.config.OnDisconnect(err)
	}

	c.mu.Lock()
	stream, conn := c.stream, c.conn
	c.mu.Unlock()
	if stream != nil {
		stream.CloseSend()
	}
	if conn != nil {
		conn.Close()
	}

	if !c.closed.Load() {
		c.wg.Add(1)
		go c.reconnect()
	}
}

// reconnect attempts to reconnect with exponential backoff.
func (c *Client) reconnect() {
	defer c.wg.Done()

	backoff := c.config.ReconnectMinDelay
	attempt := 0

	for !c.closed.Load() {
		attempt++
		c.reconnectCount.Add(1)

		if c.config.MaxReconnects > 0 && attempt > c.config.MaxReconnects {
			c.setLastError(ErrMaxReconnects)
			return
		}

		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancelFunc = cancel
		c.mu.Unlock()

		conn, stream, err := c.connect(ctx)
		if err != nil {
			c.setLastError(err)
			cancel()
			backoff = minDuration(backoff*2, c.config.ReconnectMaxDelay)
			continue
		}

		c.mu.Lock()
		c.conn, c.stream = conn, stream
		c.mu.Unlock()

		c.connected.Store(true)
		c.lastUpdate.Store(time.Now().UnixNano())

		c.wg.Add(2)
		go c.receiveLoop(ctx, stream)
		go c.healthCheckLoop(ctx)

		if c.config.OnReconnect != nil {
			c.config.OnReconnect(attempt)
		}

		return
	}
}

// Events returns the channel for receiving run events.
func (c *Client) Events() <-chan *Event {
	return c.events
}

// Health returns the current health status of the client.
func (c *Client) Health() ClientHealth {
	last := time.Unix(0, c.lastUpdate.Load())
	latency := time.Since(last)
	if c.connected.Load() && latency > c.config.StaleTimeout {
		latency = c.config.StaleTimeout
	}

	return ClientHealth{
		Connected:      c.connected.Load(),
		LastSeq:        c.lastSeq.Load(),
		LastUpdate:     last,
		Endpoint:       c.config.Endpoint,
		Latency:        latency,
		ReconnectCount: int(c.reconnectCount.Load()),
		LastError:      c.getLastError(),
	}
}

// Close closes the client and releases all resources.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	close(c.done)

	c.mu.Lock()
	cancel := c.cancelFunc
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.wg.Wait()
	c.connected.Store(false)

	c.mu.Lock()
	stream, conn := c.stream, c.conn
	c.stream, c.conn = nil, nil
	c.mu.Unlock()
	if stream != nil {
		stream.CloseSend()
	}
	if conn != nil {
		conn.Close()
	}

	close(c.events)
	return nil
}

// setLastError safely sets the last error.
func (c *Client) setLastError(err error) {
	c.lastErrorMu.Lock()
	c.lastError = err
	c.lastErrorMu.Unlock()
}

// getLastError safely gets the last error.
func (c *Client) getLastError() error {
	c.lastErrorMu.RLock()
	defer c.lastErrorMu.RUnlock()
	return c.lastError
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication.
type tokenAuth struct {
	token      string
	requireTLS bool
}

// GetRequestMetadata returns the authentication metadata.
func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"x-token": t.token,
	}, nil
}

// RequireTransportSecurity returns whether TLS is required.
func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.requireTLS
}

// minDuration returns the minimum of two durations.
func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
