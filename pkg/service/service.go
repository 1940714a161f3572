// Package service assembles the tern components into one runnable
// node: the image store, the trace store, the runner, and the network
// surfaces (JSON-RPC, event feed, dashboard), opened and torn down as
// a unit.
//
// A Node owns the component lifecycles. Start opens storage under the
// data directory, wires the runner's lifecycle hooks into the event
// feed, and brings the enabled servers up; Stop drains them in reverse
// order and closes storage last. Runs started through the node or
// through its RPC server share one execution configuration, so every
// run is counted, recorded, and published the same way.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternvm/tern/internal/types"
	"github.com/ternvm/tern/pkg/dashboard"
	"github.com/ternvm/tern/pkg/feed"
	"github.com/ternvm/tern/pkg/image"
	"github.com/ternvm/tern/pkg/rpc"
	"github.com/ternvm/tern/pkg/runner"
	"github.com/ternvm/tern/pkg/store"
	"github.com/ternvm/tern/pkg/trace"
	"github.com/ternvm/tern/pkg/vm"
)

var (
	// ErrAlreadyRunning is returned when starting a running node.
	ErrAlreadyRunning = errors.New("node already running")

	// ErrNotRunning is returned when an operation needs a running node.
	ErrNotRunning = errors.New("node not running")

	// ErrConfigInvalid is returned when the configuration is invalid.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrInitFailed is returned when node initialization fails.
	ErrInitFailed = errors.New("initialization failed")
)

// Config holds the node configuration.
type Config struct {
	// DataDir is the root directory for persistent state. The image
	// store and the trace store live in subdirectories under it.
	DataDir string

	// EnableRPC starts the JSON-RPC server.
	EnableRPC bool

	// RPCAddr is the JSON-RPC listen address.
	RPCAddr string

	// LogRPCRequests enables per-request logging on the RPC server.
	LogRPCRequests bool

	// EnableFeed starts the run event stream server.
	EnableFeed bool

	// FeedAddr is the event stream listen address.
	FeedAddr string

	// FeedToken, when set, is required from feed subscribers.
	FeedToken string

	// EnableDashboard starts the web dashboard.
	EnableDashboard bool

	// DashboardAddr is the dashboard bind address. Empty binds the
	// loopback interface.
	DashboardAddr string

	// DashboardPort is the dashboard port.
	DashboardPort int

	// StepBudget caps instructions per run. Zero means unlimited.
	StepBudget uint64

	// RecordTrace writes a per-instruction trace for every run.
	RecordTrace bool

	// TraceSyncWrites forces fsync on every trace store commit.
	TraceSyncWrites bool

	// GCInterval is how often the trace store value log is garbage
	// collected. Zero disables collection.
	GCInterval time.Duration

	// OnRunCompleted, when set, is called after every recorded run.
	OnRunCompleted func(*runner.Result)

	// OnError, when set, is called when a background task fails.
	OnError func(error)
}

// DefaultConfig returns the default node configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:       "./tern-data",
		EnableRPC:     true,
		RPCAddr:       ":8650",
		EnableFeed:    true,
		FeedAddr:      ":8652",
		DashboardPort: 8651,
		StepBudget:    runner.DefaultStepBudget,
		RecordTrace:   false,
		GCInterval:    5 * time.Minute,
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data directory is required", ErrConfigInvalid)
	}
	if c.EnableRPC && c.RPCAddr == "" {
		return fmt.Errorf("%w: RPC address is required", ErrConfigInvalid)
	}
	if c.EnableFeed && c.FeedAddr == "" {
		return fmt.Errorf("%w: feed address is required", ErrConfigInvalid)
	}
	if c.EnableDashboard && (c.DashboardPort <= 0 || c.DashboardPort > 65535) {
		return fmt.Errorf("%w: dashboard port %d out of range", ErrConfigInvalid, c.DashboardPort)
	}
	if c.GCInterval < 0 {
		return fmt.Errorf("%w: GC interval must not be negative", ErrConfigInvalid)
	}
	return nil
}

// Node is a tern execution node.
type Node struct {
	config *Config

	// Components
	images *store.Store
	traces *trace.Store
	runner *runner.Runner

	// Network surfaces, nil when disabled
	rpcServer *rpc.Server
	feed      *feed.Server
	dash      *dashboard.Dashboard

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   atomic.Bool
	startTime time.Time

	// Run counters
	runsExecuted  atomic.Uint64
	stepsExecuted atomic.Uint64
	runNanos      atomic.Int64

	errMu     sync.RWMutex
	lastError error
}

var _ dashboard.NodeStats = (*Node)(nil)

// New creates a node from the given configuration. A nil config uses
// the defaults; zero-valued addresses are filled in from the defaults.
func New(config *Config) (*Node, error) {
	if config == nil {
		config = DefaultConfig()
	}

	defaults := DefaultConfig()
	if config.DataDir == "" {
		config.DataDir = defaults.DataDir
	}
	if config.RPCAddr == "" {
		config.RPCAddr = defaults.RPCAddr
	}
	if config.FeedAddr == "" {
		config.FeedAddr = defaults.FeedAddr
	}
	if config.DashboardPort == 0 {
		config.DashboardPort = defaults.DashboardPort
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Node{config: config}, nil
}

// Start opens storage and brings the enabled servers up. It returns
// once the node is serving; the servers run until Stop or until ctx is
// canceled.
func (n *Node) Start(ctx context.Context) error {
	if n.running.Load() {
		return ErrAlreadyRunning
	}

	log.Printf("[Node] Starting node, data dir %s", n.config.DataDir)

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()

	if err := n.initialize(); err != nil {
		n.cancel()
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	n.running.Store(true)

	if n.rpcServer != nil {
		n.wg.Add(1)
		go n.serveRPC()
	}
	if n.dash != nil {
		n.wg.Add(1)
		go n.serveDashboard()
	}
	if n.config.GCInterval > 0 {
		n.wg.Add(1)
		go n.gcLoop()
	}

	log.Printf("[Node] Node started")
	return nil
}

// initialize opens the components in dependency order. On failure the
// components opened so far are closed again.
func (n *Node) initialize() error {
	if err := os.MkdirAll(n.config.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	images, err := store.Open(filepath.Join(n.config.DataDir, "images"))
	if err != nil {
		return fmt.Errorf("open image store: %w", err)
	}
	n.images = images

	traceConfig := trace.DefaultConfig(filepath.Join(n.config.DataDir, "traces"))
	traceConfig.SyncWrites = n.config.TraceSyncWrites
	traces, err := trace.Open(traceConfig)
	if err != nil {
		n.closeStores()
		return fmt.Errorf("open trace store: %w", err)
	}
	n.traces = traces

	// The feed comes up before the runner so that run hooks always
	// have a live publisher.
	if n.config.EnableFeed {
		feedConfig := feed.DefaultServerConfig()
		feedConfig.Addr = n.config.FeedAddr
		feedConfig.Token = n.config.FeedToken
		srv := feed.New(feedConfig)
		if err := srv.Start(n.ctx); err != nil {
			n.closeStores()
			return err
		}
		n.feed = srv
	}

	n.runner = runner.New(n.images, n.traces, n.runConfig())

	if n.config.EnableRPC {
		rpcConfig := rpc.DefaultConfig()
		rpcConfig.Addr = n.config.RPCAddr
		rpcConfig.LogRequests = n.config.LogRPCRequests
		n.rpcServer = rpc.New(rpcConfig, n.images, n.traces, n.runConfig())
	}

	if n.config.EnableDashboard {
		dashConfig := dashboard.DefaultConfig()
		if n.config.DashboardAddr != "" {
			dashConfig.BindAddress = n.config.DashboardAddr
		}
		dashConfig.Port = n.config.DashboardPort
		dash, err := dashboard.New(dashConfig, n.images, n.traces, n)
		if err != nil {
			if n.feed != nil {
				n.feed.Stop()
				n.feed = nil
			}
			n.closeStores()
			return fmt.Errorf("build dashboard: %w", err)
		}
		n.dash = dash
	}

	return nil
}

// runConfig is the execution configuration shared by the node's own
// runner and the RPC server's per-request runners.
func (n *Node) runConfig() runner.Config {
	cfg := runner.DefaultConfig()
	cfg.StepBudget = n.config.StepBudget
	cfg.RecordTrace = n.config.RecordTrace
	cfg.OnStart = n.onRunStart
	cfg.OnComplete = n.onRunComplete
	return cfg
}

func (n *Node) onRunStart(runID types.RunID, imageID types.ImageID) {
	if n.feed == nil {
		return
	}
	n.feed.Publish(&feed.Event{
		Kind:    feed.EventRunStarted,
		RunID:   runID,
		ImageID: imageID,
		State:   vm.StateRunning,
		At:      time.Now(),
	})
}

func (n *Node) onRunComplete(res *runner.Result) {
	n.runsExecuted.Add(1)
	n.stepsExecuted.Add(res.Status.Steps)
	n.runNanos.Add(int64(res.Duration))

	if n.config.OnRunCompleted != nil {
		n.config.OnRunCompleted(res)
	}

	if n.feed == nil {
		return
	}
	ev := &feed.Event{
		Kind:     feed.EventRunCompleted,
		RunID:    res.RunID,
		ImageID:  res.ImageID,
		State:    res.Status.State,
		ExitCode: res.Status.ExitCode,
		TrapCode: res.Status.TrapCode,
		Steps:    res.Status.Steps,
		At:       time.Now(),
	}
	if res.Status.State == vm.StateTrapped {
		ev.Kind = feed.EventRunTrapped
	}
	if res.Status.Fault != nil {
		ev.Fault = res.Status.Fault.Error()
	}
	n.feed.Publish(ev)
}

// serveRPC runs the RPC server until shutdown. Start blocks in the
// listener, so a bind failure surfaces here rather than at Start.
func (n *Node) serveRPC() {
	defer n.wg.Done()
	if err := n.rpcServer.Start(n.ctx); err != nil {
		n.setLastError(fmt.Errorf("rpc server: %w", err))
		log.Printf("[Node] RPC server failed: %v", err)
	}
}

func (n *Node) serveDashboard() {
	defer n.wg.Done()
	err := n.dash.Start(n.ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		n.setLastError(fmt.Errorf("dashboard: %w", err))
		log.Printf("[Node] Dashboard failed: %v", err)
	}
}

// gcLoop periodically reclaims trace store value log space.
func (n *Node) gcLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.traces.GC(); err != nil {
				n.setLastError(fmt.Errorf("trace gc: %w", err))
				log.Printf("[Node] Trace GC: %v", err)
			}
		}
	}
}

// Stop shuts the node down: servers first, in reverse start order and
// draining in-flight requests, then storage. Stop returns once
// everything is closed.
func (n *Node) Stop() error {
	if !n.running.Load() {
		return ErrNotRunning
	}

	log.Printf("[Node] Stopping node")

	if n.rpcServer != nil {
		n.rpcServer.SetHealthy(false)
	}

	if n.dash != nil {
		if err := n.dash.Stop(); err != nil {
			log.Printf("[Node] Dashboard stop: %v", err)
		}
	}
	if n.rpcServer != nil {
		if err := n.rpcServer.Stop(); err != nil {
			log.Printf("[Node] RPC server stop: %v", err)
		}
	}
	if n.feed != nil {
		n.feed.Stop()
	}

	n.cancel()
	n.wg.Wait()

	n.dash = nil
	n.rpcServer = nil
	n.feed = nil
	n.runner = nil
	n.closeStores()

	n.running.Store(false)
	log.Printf("[Node] Node stopped, uptime %s", time.Since(n.startTime).Round(time.Second))
	return nil
}

func (n *Node) closeStores() {
	if n.traces != nil {
		if err := n.traces.Close(); err != nil {
			log.Printf("[Node] Trace store close: %v", err)
		}
		n.traces = nil
	}
	if n.images != nil {
		if err := n.images.Close(); err != nil {
			log.Printf("[Node] Image store close: %v", err)
		}
		n.images = nil
	}
}

// Status is a point-in-time snapshot of the node.
type Status struct {
	Running       bool
	Uptime        time.Duration
	DataDir       string
	Images        int
	RunsExecuted  uint64
	StepsExecuted uint64
	AvgRunTimeMs  float64
	RPCAddr       string
	FeedAddr      string
	DashboardAddr string
	Feed          *feed.ServerStats
	LastError     error
}

// Status returns a snapshot of the node state.
func (n *Node) Status() Status {
	st := Status{
		Running:       n.running.Load(),
		DataDir:       n.config.DataDir,
		RunsExecuted:  n.runsExecuted.Load(),
		StepsExecuted: n.stepsExecuted.Load(),
		AvgRunTimeMs:  n.AvgRunTimeMs(),
		LastError:     n.LastError(),
	}
	if st.Running {
		st.Uptime = time.Since(n.startTime)
	}
	if n.images != nil {
		st.Images = n.images.Count()
	}
	if n.rpcServer != nil {
		st.RPCAddr = n.config.RPCAddr
	}
	if n.feed != nil {
		st.FeedAddr = n.feed.Addr()
		stats := n.feed.Stats()
		st.Feed = &stats
	}
	if n.dash != nil {
		st.DashboardAddr = n.dash.Address()
	}
	return st
}

// IsRunning reports whether the node is running.
func (n *Node) IsRunning() bool {
	return n.running.Load()
}

// Uptime returns how long the node has been running.
func (n *Node) Uptime() time.Duration {
	if !n.running.Load() {
		return 0
	}
	return time.Since(n.startTime)
}

// RunsExecuted returns the number of runs executed since start.
func (n *Node) RunsExecuted() uint64 {
	return n.runsExecuted.Load()
}

// StepsExecuted returns the number of instructions executed since start.
func (n *Node) StepsExecuted() uint64 {
	return n.stepsExecuted.Load()
}

// AvgRunTimeMs returns the average run wall time in milliseconds.
func (n *Node) AvgRunTimeMs() float64 {
	runs := n.runsExecuted.Load()
	if runs == 0 {
		return 0
	}
	return float64(n.runNanos.Load()) / float64(runs) / 1e6
}

// RPCAddress returns the RPC listen address, or empty when RPC is
// disabled.
func (n *Node) RPCAddress() string {
	if !n.config.EnableRPC {
		return ""
	}
	return n.config.RPCAddr
}

// LastError returns the last background error, if any.
func (n *Node) LastError() error {
	n.errMu.RLock()
	defer n.errMu.RUnlock()
	return n.lastError
}

func (n *Node) setLastError(err error) {
	n.errMu.Lock()
	n.lastError = err
	n.errMu.Unlock()

	if n.config.OnError != nil {
		n.config.OnError(err)
	}
}

// Submit stores a program image and returns its ID.
func (n *Node) Submit(img *image.Image) (types.ImageID, error) {
	if !n.running.Load() {
		return types.ImageID{}, ErrNotRunning
	}
	id, _, err := n.images.Put(img)
	return id, err
}

// Execute runs an image without storing it.
func (n *Node) Execute(ctx context.Context, img *image.Image) (*runner.Result, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}
	return n.runner.Execute(ctx, img)
}

// ExecuteStored runs a stored image.
func (n *Node) ExecuteStored(ctx context.Context, id types.ImageID) (*runner.Result, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}
	return n.runner.ExecuteStored(ctx, id)
}

// GetRun returns a recorded run.
func (n *Node) GetRun(id types.RunID) (*trace.RunRecord, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}
	return n.traces.GetRun(id)
}

// ListRuns returns up to limit recorded runs, newest first.
func (n *Node) ListRuns(limit int) ([]*trace.RunRecord, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}
	return n.traces.ListRuns(limit)
}

// ListImages returns up to limit stored image records, newest first.
func (n *Node) ListImages(limit int) ([]*store.Meta, error) {
	if !n.running.Load() {
		return nil, ErrNotRunning
	}
	return n.images.List(limit)
}
