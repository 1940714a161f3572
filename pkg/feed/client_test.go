package feed

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ternvm/tern/internal/types"
	"github.com/ternvm/tern/pkg/vm"
)

// =============================================================================
// TestNewClient - Test client creation with valid/invalid configs
// =============================================================================

func TestNewClient_ValidConfig(t *testing.T) {
	config := Config{
		Endpoint:            "feed.example.com:8652",
		UseTLS:              true,
		EventChannelSize:    100,
		MaxMessageSize:      1024 * 1024,
		KeepaliveTime:       10 * time.Second,
		KeepaliveTimeout:    5 * time.Second,
		ReconnectMinDelay:   1 * time.Second,
		ReconnectMaxDelay:   30 * time.Second,
		HealthCheckInterval: 15 * time.Second,
		StaleTimeout:        60 * time.Second,
	}

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient() error = %v, want nil", err)
	}
	if client == nil {
		t.Fatal("NewClient() returned nil client")
	}
	if client.Events() == nil {
		t.Error("client.Events() returned nil")
	}
}

func TestNewClient_WithDefaults(t *testing.T) {
	client, err := NewClient(Config{Endpoint: "feed.example.com:8652"})
	if err != nil {
		t.Fatalf("NewClient() error = %v, want nil", err)
	}

	health := client.Health()
	if health.Endpoint != "feed.example.com:8652" {
		t.Errorf("Health().Endpoint = %v, want %v", health.Endpoint, "feed.example.com:8652")
	}
	if health.Connected {
		t.Error("Health().Connected = true before Connect")
	}
	if health.ReconnectCount != 0 {
		t.Errorf("Health().ReconnectCount = %v, want 0", health.ReconnectCount)
	}
}

func TestNewClient_EmptyEndpoint(t *testing.T) {
	_, err := NewClient(Config{})
	if err == nil {
		t.Fatal("NewClient() with empty endpoint should return error")
	}
}

func TestNewClient_InvalidChannelSize(t *testing.T) {
	config := Config{
		Endpoint:         "feed.example.com:8652",
		EventChannelSize: -1,
	}
	if _, err := NewClient(config); err == nil {
		t.Fatal("NewClient() with negative EventChannelSize should return error")
	}
}

// =============================================================================
// TestConfigValidation - Test configuration validation
// =============================================================================

func validTestConfig() Config {
	return Config{
		Endpoint:            "feed.example.com:8652",
		EventChannelSize:    100,
		MaxMessageSize:      1024,
		KeepaliveTime:       time.Second,
		KeepaliveTimeout:    time.Second,
		ReconnectMinDelay:   time.Second,
		ReconnectMaxDelay:   time.Minute,
		HealthCheckInterval: time.Second,
		StaleTimeout:        time.Minute,
	}
}

func TestConfigValidation_EmptyEndpoint(t *testing.T) {
	config := Config{}
	if err := config.Validate(); err != ErrNoEndpoint {
		t.Errorf("Validate() error = %v, want %v", err, ErrNoEndpoint)
	}
}

func TestConfigValidation_InvalidEventChannelSize(t *testing.T) {
	config := validTestConfig()
	config.EventChannelSize = 0
	if err := config.Validate(); err == nil {
		t.Error("Validate() should fail with zero EventChannelSize")
	}
}

func TestConfigValidation_InvalidMaxMessageSize(t *testing.T) {
	config := validTestConfig()
	config.MaxMessageSize = 0
	if err := config.Validate(); err == nil {
		t.Error("Validate() should fail with zero MaxMessageSize")
	}
}

func TestConfigValidation_InvalidKeepalive(t *testing.T) {
	config := validTestConfig()
	config.KeepaliveTime = 0
	if err := config.Validate(); err == nil {
		t.Error("Validate() should fail with zero KeepaliveTime")
	}

	config = validTestConfig()
	config.KeepaliveTimeout = 0
	if err := config.Validate(); err == nil {
		t.Error("Validate() should fail with zero KeepaliveTimeout")
	}
}

func TestConfigValidation_InvalidReconnectDelays(t *testing.T) {
	config := validTestConfig()
	config.ReconnectMinDelay = 0
	if err := config.Validate(); err == nil {
		t.Error("Validate() should fail with zero ReconnectMinDelay")
	}

	config = validTestConfig()
	config.ReconnectMinDelay = time.Minute
	config.ReconnectMaxDelay = time.Second
	if err := config.Validate(); err == nil {
		t.Error("Validate() should fail when ReconnectMinDelay > ReconnectMaxDelay")
	}
}

func TestConfigValidation_InvalidStaleness(t *testing.T) {
	config := validTestConfig()
	config.HealthCheckInterval = 0
	if err := config.Validate(); err == nil {
		t.Error("Validate() should fail with zero HealthCheckInterval")
	}

	config = validTestConfig()
	config.StaleTimeout = 0
	if err := config.Validate(); err == nil {
		t.Error("Validate() should fail with zero StaleTimeout")
	}
}

func TestConfigValidation_UnknownKind(t *testing.T) {
	config := validTestConfig()
	config.Kinds = []EventKind{EventKind(99)}
	if err := config.Validate(); err == nil {
		t.Error("Validate() should fail with unknown event kind")
	}
}

func TestConfigValidation_ValidConfig(t *testing.T) {
	config := validTestConfig()
	config.Kinds = []EventKind{EventRunCompleted, EventRunTrapped}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

// =============================================================================
// TestDefaults - Default values and zero-value filling
// =============================================================================

func TestDefaultConfig_Values(t *testing.T) {
	config := DefaultConfig()

	if config.KeepaliveTime != DefaultKeepaliveTime {
		t.Errorf("KeepaliveTime = %v, want %v", config.KeepaliveTime, DefaultKeepaliveTime)
	}
	if config.ReconnectMinDelay != DefaultReconnectMinDelay {
		t.Errorf("ReconnectMinDelay = %v, want %v", config.ReconnectMinDelay, DefaultReconnectMinDelay)
	}
	if config.ReconnectMaxDelay != DefaultReconnectMaxDelay {
		t.Errorf("ReconnectMaxDelay = %v, want %v", config.ReconnectMaxDelay, DefaultReconnectMaxDelay)
	}
	if config.EventChannelSize != DefaultEventChannelSize {
		t.Errorf("EventChannelSize = %v, want %v", config.EventChannelSize, DefaultEventChannelSize)
	}
	if config.MaxReconnects != 0 {
		t.Errorf("MaxReconnects = %v, want 0 (unlimited)", config.MaxReconnects)
	}
	if config.StaleTimeout <= DefaultHeartbeatInterval {
		t.Error("StaleTimeout must exceed the server heartbeat interval")
	}
}

func TestWithDefaults_AppliesDefaults(t *testing.T) {
	config := Config{Endpoint: "feed.example.com:8652"}
	filled := config.WithDefaults()

	if filled.KeepaliveTime != DefaultKeepaliveTime {
		t.Errorf("KeepaliveTime = %v, want %v", filled.KeepaliveTime, DefaultKeepaliveTime)
	}
	if filled.EventChannelSize != DefaultEventChannelSize {
		t.Errorf("EventChannelSize = %v, want %v", filled.EventChannelSize, DefaultEventChannelSize)
	}
	if filled.Headers == nil {
		t.Error("Headers not initialized")
	}
}

func TestWithDefaults_PreservesSetValues(t *testing.T) {
	config := Config{
		Endpoint:         "feed.example.com:8652",
		EventChannelSize: 7,
		StaleTimeout:     2 * time.Minute,
	}
	filled := config.WithDefaults()

	if filled.EventChannelSize != 7 {
		t.Errorf("EventChannelSize = %v, want 7", filled.EventChannelSize)
	}
	if filled.StaleTimeout != 2*time.Minute {
		t.Errorf("StaleTimeout = %v, want 2m", filled.StaleTimeout)
	}
}

func TestServerConfig_Defaults(t *testing.T) {
	srv := New(ServerConfig{})

	if srv.config.Addr != DefaultServerAddr {
		t.Errorf("Addr = %v, want %v", srv.config.Addr, DefaultServerAddr)
	}
	if srv.config.SubscriberBuffer != DefaultSubscriberBuffer {
		t.Errorf("SubscriberBuffer = %v, want %v", srv.config.SubscriberBuffer, DefaultSubscriberBuffer)
	}
	if srv.config.HistorySize != DefaultHistorySize {
		t.Errorf("HistorySize = %v, want %v", srv.config.HistorySize, DefaultHistorySize)
	}
	if srv.Addr() != DefaultServerAddr {
		t.Errorf("Addr() = %v, want %v before Start", srv.Addr(), DefaultServerAddr)
	}
}

func TestServerConfig_NegativeHistoryDisablesReplay(t *testing.T) {
	srv := New(ServerConfig{HistorySize: -1})
	if srv.config.HistorySize > 0 {
		t.Errorf("HistorySize = %v, want replay disabled", srv.config.HistorySize)
	}
}

// =============================================================================
// TestToken - Environment variable expansion
// =============================================================================

func TestExpandedToken_NoEnvVar(t *testing.T) {
	config := Config{Token: "plain-token"}
	if got := config.ExpandedToken(); got != "plain-token" {
		t.Errorf("ExpandedToken() = %v, want plain-token", got)
	}
}

func TestExpandedToken_WithEnvVar(t *testing.T) {
	t.Setenv("TERN_FEED_TEST_TOKEN", "from-env")

	config := Config{Token: "${TERN_FEED_TEST_TOKEN}"}
	if got := config.ExpandedToken(); got != "from-env" {
		t.Errorf("ExpandedToken() = %v, want from-env", got)
	}
}

func TestExpandedToken_MixedContent(t *testing.T) {
	t.Setenv("TERN_FEED_TEST_TOKEN", "secret")

	config := Config{Token: "prefix-${TERN_FEED_TEST_TOKEN}-suffix"}
	if got := config.ExpandedToken(); got != "prefix-secret-suffix" {
		t.Errorf("ExpandedToken() = %v, want prefix-secret-suffix", got)
	}
}

func TestExpandedToken_UnsetEnvVar(t *testing.T) {
	config := Config{Token: "${TERN_FEED_DEFINITELY_UNSET}"}
	if got := config.ExpandedToken(); got != "" {
		t.Errorf("ExpandedToken() = %q, want empty", got)
	}
}

// =============================================================================
// TestEventKind / TestEvent - String forms
// =============================================================================

func TestEventKind_String(t *testing.T) {
	cases := []struct {
		kind EventKind
		want string
	}{
		{EventRunStarted, "started"},
		{EventRunCompleted, "completed"},
		{EventRunTrapped, "trapped"},
		{EventHeartbeat, "heartbeat"},
		{EventKind(42), "kind(42)"},
	}
	for _, tc := range cases {
		if got := tc.kind.String(); got != tc.want {
			t.Errorf("EventKind(%d).String() = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestEvent_String_Started(t *testing.T) {
	ev := &Event{
		Kind:    EventRunStarted,
		RunID:   types.NewRunID(),
		ImageID: types.ImageIDOf([]byte("program")),
	}
	s := ev.String()
	if !strings.Contains(s, "started") {
		t.Errorf("String() = %q, want it to mention started", s)
	}
	if !strings.Contains(s, ev.RunID.Short()) {
		t.Errorf("String() = %q, want it to carry the run ID", s)
	}
}

func TestEvent_String_Halted(t *testing.T) {
	ev := &Event{
		Kind:     EventRunCompleted,
		RunID:    types.NewRunID(),
		State:    vm.StateHalted,
		ExitCode: 7,
		Steps:    42,
	}
	s := ev.String()
	if !strings.Contains(s, "exit 7") || !strings.Contains(s, "42 steps") {
		t.Errorf("String() = %q, want exit code and step count", s)
	}
}

func TestEvent_String_Faulted(t *testing.T) {
	ev := &Event{
		Kind:  EventRunCompleted,
		RunID: types.NewRunID(),
		State: vm.StateFaulted,
		Fault: "load out of bounds",
		Steps: 3,
	}
	s := ev.String()
	if !strings.Contains(s, "faulted") || !strings.Contains(s, "load out of bounds") {
		t.Errorf("String() = %q, want fault description", s)
	}
}

func TestEvent_String_Trapped(t *testing.T) {
	ev := &Event{
		Kind:     EventRunTrapped,
		RunID:    types.NewRunID(),
		State:    vm.StateTrapped,
		TrapCode: 9,
	}
	s := ev.String()
	if !strings.Contains(s, "trapped") || !strings.Contains(s, "code 9") {
		t.Errorf("String() = %q, want trap code", s)
	}
}

// =============================================================================
// TestCodec - gob round trips
// =============================================================================

func TestGobCodec_Event(t *testing.T) {
	in := &Event{
		Seq:      12,
		Kind:     EventRunCompleted,
		RunID:    types.NewRunID(),
		ImageID:  types.ImageIDOf([]byte("program")),
		State:    vm.StateHalted,
		ExitCode: 3,
		Steps:    99,
		At:       time.Now().UTC(),
	}

	data, err := gobCodec{}.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	out := new(Event)
	if err := (gobCodec{}).Unmarshal(data, out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if out.Seq != in.Seq || out.Kind != in.Kind || out.RunID != in.RunID {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
	if out.ExitCode != 3 || out.State != vm.StateHalted || out.Steps != 99 {
		t.Errorf("outcome fields lost: got %+v", out)
	}
	if !out.At.Equal(in.At) {
		t.Errorf("At = %v, want %v", out.At, in.At)
	}
}

func TestGobCodec_SubscribeRequest(t *testing.T) {
	in := &SubscribeRequest{
		FromSeq: 5,
		Kinds:   []EventKind{EventRunTrapped},
	}

	data, err := gobCodec{}.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	out := new(SubscribeRequest)
	if err := (gobCodec{}).Unmarshal(data, out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.FromSeq != 5 || len(out.Kinds) != 1 || out.Kinds[0] != EventRunTrapped {
		t.Errorf("round trip mismatch: got %+v", out)
	}
}

func TestGobCodec_Name(t *testing.T) {
	if (gobCodec{}).Name() != "gob" {
		t.Errorf("Name() = %v, want gob", gobCodec{}.Name())
	}
}

// =============================================================================
// TestBackoff - Reconnection backoff arithmetic
// =============================================================================

func TestMinDuration(t *testing.T) {
	if got := minDuration(time.Second, time.Minute); got != time.Second {
		t.Errorf("minDuration = %v, want 1s", got)
	}
	if got := minDuration(time.Minute, time.Second); got != time.Second {
		t.Errorf("minDuration = %v, want 1s", got)
	}
}

func TestExponentialBackoff_Calculation(t *testing.T) {
	min := 1 * time.Second
	max := 30 * time.Second

	backoff := min
	expected := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // stays capped
	}

	for i, want := range expected {
		backoff = minDuration(backoff*2, max)
		if backoff != want {
			t.Errorf("step %d: backoff = %v, want %v", i, backoff, want)
		}
	}
}

// =============================================================================
// TestClientLifecycle - Close semantics without a server
// =============================================================================

func TestClientErrors_Defined(t *testing.T) {
	errs := []error{
		ErrNotConnected,
		ErrAlreadyConnected,
		ErrClosed,
		ErrStreamClosed,
		ErrMaxReconnects,
	}
	for _, err := range errs {
		if err == nil || err.Error() == "" {
			t.Error("client error not defined")
		}
	}
}

func TestClientClose_NotConnected(t *testing.T) {
	client, err := NewClient(Config{Endpoint: "feed.example.com:8652"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v, want nil", err)
	}
	if err := client.Close(); err != ErrClosed {
		t.Errorf("second Close() error = %v, want %v", err, ErrClosed)
	}
	if err := client.Connect(context.Background()); err != ErrClosed {
		t.Errorf("Connect() after Close error = %v, want %v", err, ErrClosed)
	}
}

func TestSubscriberWants(t *testing.T) {
	all := &subscriber{}
	if !all.wants(EventRunStarted) || !all.wants(EventHeartbeat) {
		t.Error("nil kind set should accept everything")
	}

	only := &subscriber{kinds: map[EventKind]bool{EventRunTrapped: true}}
	if !only.wants(EventRunTrapped) {
		t.Error("filtered subscriber should accept its kind")
	}
	if only.wants(EventRunStarted) {
		t.Error("filtered subscriber should reject other kinds")
	}
}
