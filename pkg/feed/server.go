package feed

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Default server configuration values.
const (
	// DefaultServerAddr is the default listen address for the feed server.
	DefaultServerAddr = ":8652"

	// DefaultSubscriberBuffer is the default per-subscriber queue length.
	DefaultSubscriberBuffer = 256

	// DefaultHistorySize is the default replay window length.
	DefaultHistorySize = 256

	// DefaultHeartbeatInterval is how often idle streams get a heartbeat.
	DefaultHeartbeatInterval = 15 * time.Second
)

// shutdownGrace is how long Stop waits for streams to drain before
// tearing connections down.
const shutdownGrace = 5 * time.Second

// ServerConfig holds the feed server configuration.
type ServerConfig struct {
	// Addr is the TCP listen address.
	Addr string

	// Token, when set, is required from subscribers as x-token metadata.
	// Empty disables authentication.
	Token string

	// SubscriberBuffer is the per-subscriber event queue length. A
	// subscriber that falls further behind loses its oldest queued
	// events rather than stall the publisher.
	SubscriberBuffer int

	// HistorySize is how many recent events are retained for FromSeq
	// replay. Negative disables replay.
	HistorySize int

	// HeartbeatInterval is how often a stream with nothing to send gets
	// a heartbeat event.
	HeartbeatInterval time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int
}

// DefaultServerConfig returns the default feed server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              DefaultServerAddr,
		SubscriberBuffer:  DefaultSubscriberBuffer,
		HistorySize:       DefaultHistorySize,
		HeartbeatInterval: DefaultHeartbeatInterval,
		MaxMessageSize:    DefaultMaxMessageSize,
	}
}

func (c ServerConfig) withDefaults() ServerConfig {
	defaults := DefaultServerConfig()

	if c.Addr == "" {
		c.Addr = defaults.Addr
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = defaults.SubscriberBuffer
	}
	if c.HistorySize == 0 {
		c.HistorySize = defaults.HistorySize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}

	return c
}

// subscriber is one open Subscribe stream's delivery queue.
type subscriber struct {
	id    uint64
	ch    chan *Event
	kinds map[EventKind]bool // nil = all
}

func (sub *subscriber) wants(k EventKind) bool {
	return sub.kinds == nil || sub.kinds[k]
}

// Server fans run events out to gRPC subscribers. Publish never blocks
// on a slow consumer; each subscriber has a bounded queue that evicts
// its oldest entry under pressure.
type Server struct {
	config ServerConfig

	grpc *grpc.Server
	lis  net.Listener

	mu      sync.RWMutex
	seq     uint64
	subs    map[uint64]*subscriber
	nextSub uint64
	history []*Event

	published atomic.Uint64
	dropped   atomic.Uint64

	done    chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// New creates a feed server. Start brings up the listener.
func New(config ServerConfig) *Server {
	return &Server{
		config: config.withDefaults(),
		subs:   make(map[uint64]*subscriber),
		done:   make(chan struct{}),
	}
}

// feedService is the handler contract checked by RegisterService.
type feedService interface {
	subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(feedService).subscribe(req, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*feedService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
}

// Start listens and begins serving subscriptions. The server stops when
// ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("feed listen on %s: %w", s.config.Addr, err)
	}
	s.lis = lis

	s.grpc = grpc.NewServer(
		grpc.MaxRecvMsgSize(s.config.MaxMessageSize),
		grpc.MaxSendMsgSize(s.config.MaxMessageSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	s.grpc.RegisterService(&serviceDesc, s)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.Printf("[Feed] serve: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	log.Printf("[Feed] event stream listening on %s", lis.Addr())
	return nil
}

// Stop shuts the server down, releasing open streams first so the
// graceful stop can complete.
func (s *Server) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	close(s.done)

	if s.grpc == nil {
		return
	}

	drained := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		s.grpc.Stop()
	}
	s.wg.Wait()
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.lis == nil {
		return s.config.Addr
	}
	return s.lis.Addr().String()
}

// Publish assigns the event a sequence number and fans it out to every
// matching subscriber. Safe for concurrent use.
func (s *Server) Publish(ev *Event) {
	if ev == nil || s.stopped.Load() {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	s.mu.Lock()
	s.seq++
	ev.Seq = s.seq

	if s.config.HistorySize > 0 {
		if len(s.history) >= s.config.HistorySize {
			copy(s.history, s.history[1:])
			s.history[len(s.history)-1] = ev
		} else {
			s.history = append(s.history, ev)
		}
	}

	for _, sub := range s.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Queue full: evict the oldest. The final send cannot
			// block because publishing is serialized under s.mu.
			select {
			case <-sub.ch:
				s.dropped.Add(1)
			default:
			}
			sub.ch <- ev
		}
	}
	s.mu.Unlock()

	s.published.Add(1)
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	subs := len(s.subs)
	seq := s.seq
	s.mu.RUnlock()

	return ServerStats{
		Subscribers: subs,
		Published:   s.published.Load(),
		Dropped:     s.dropped.Load(),
		LastSeq:     seq,
	}
}

// subscribe serves one Subscribe stream until the client goes away or
// the server stops.
func (s *Server) subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	if s.config.Token != "" {
		if err := s.authorize(stream.Context()); err != nil {
			return err
		}
	}

	sub, replay := s.register(req)
	defer s.unregister(sub.id)

	var lastSent uint64
	for _, ev := range replay {
		if err := stream.SendMsg(ev); err != nil {
			return err
		}
		lastSent = ev.Seq
	}

	hb := time.NewTicker(s.config.HeartbeatInterval)
	defer hb.Stop()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return status.Error(codes.Unavailable, "feed server shutting down")
		case ev := <-sub.ch:
			if err := stream.SendMsg(ev); err != nil {
				return err
			}
			lastSent = ev.Seq
		case <-hb.C:
			beat := &Event{Kind: EventHeartbeat, Seq: lastSent, At: time.Now()}
			if err := stream.SendMsg(beat); err != nil {
				return err
			}
		}
	}
}

func (s *Server) authorize(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	tokens := md.Get("x-token")
	if len(tokens) == 0 || tokens[0] != s.config.Token {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}

// register adds a subscriber and snapshots any replayable history under
// the same lock, so replayed and live events never interleave out of
// order.
func (s *Server) register(req *SubscribeRequest) (*subscriber, []*Event) {
	var kinds map[EventKind]bool
	if len(req.Kinds) > 0 {
		kinds = make(map[EventKind]bool, len(req.Kinds))
		for _, k := range req.Kinds {
			kinds[k] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	sub := &subscriber{
		id:    s.nextSub,
		ch:    make(chan *Event, s.config.SubscriberBuffer),
		kinds: kinds,
	}
	s.subs[sub.id] = sub

	var replay []*Event
	if req.FromSeq > 0 {
		for _, ev := range s.history {
			if ev.Seq >= req.FromSeq && sub.wants(ev.Kind) {
				replay = append(replay, ev)
			}
		}
	}
	return sub, replay
}

func (s *Server) unregister(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}
