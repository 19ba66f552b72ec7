// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/andotherstuff/otherstuff-relay-sub000/relay/policy"
	"github.com/andotherstuff/otherstuff-relay-sub000/relay/state"
	"github.com/andotherstuff/otherstuff-relay-sub000/relay/stream"
)

// maxSubsPerConn bounds the subscriptions one connection may hold. REQs
// past the cap are answered with CLOSED instead of being installed.
const maxSubsPerConn = 512

// Server owns the event pipeline. The transport adapter drives it through
// Connect, Submit, and Disconnect; everything downstream of the ingress
// queue runs on the server's own worker pools.
type Server struct {
	config *Config
	logger hclog.Logger

	store  state.EventStore
	policy *policy.Cached

	ingress     *Ingress
	registry    *stream.Registry
	router      *stream.Router
	broadcaster *stream.Broadcaster
	batcher     *Batcher

	connLock sync.RWMutex
	conns    map[string]*connState

	validators sync.WaitGroup
	queries    sync.WaitGroup

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// connState is the pipeline's view of one transport connection. The
// context is the cancellation scope for all work on the connection's
// behalf; Disconnect cancels it.
type connState struct {
	id      string
	created time.Time

	lastActive atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *connState) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// NewServer validates the configuration and starts the pipeline worker
// pools. The store and policy store are injected; the server does not
// close the store on shutdown.
func NewServer(config *Config, logger hclog.Logger, store state.EventStore, policyStore policy.Store) (*Server, error) {
	config.Canonicalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay config: %w", err)
	}

	logger = logger.Named("relay")
	s := &Server{
		config:     config,
		logger:     logger,
		store:      store,
		policy:     policy.NewCached(policyStore, 0, config.PolicyTTL),
		ingress:    NewIngress(config.IngressSoftLimit, config.IngressHardLimit),
		registry:   stream.NewRegistry(logger),
		conns:      make(map[string]*connState),
		shutdownCh: make(chan struct{}),
	}

	s.router = stream.NewRouter(logger, stream.RouterConfig{
		MaxQueue:       config.OutboundHardLimit,
		SoftQueue:      config.OutboundSoftLimit,
		CoalesceWindow: 10 * time.Millisecond,
		DropLimit:      config.OutboundDropLimit,
	}, s.onRouterEvict)

	s.broadcaster = stream.NewBroadcaster(logger, s.registry, s.router,
		config.BroadcastWorkers, 4*config.StorageBatchSize)

	s.batcher = NewBatcher(logger, store, config.StorageWorkers,
		config.StorageBatchSize, config.StorageFlush)

	s.validators.Add(config.ValidationWorkers)
	for i := 0; i < config.ValidationWorkers; i++ {
		go s.validatorWorker()
	}

	logger.Info("relay pipeline started",
		"validation_workers", config.ValidationWorkers,
		"broadcast_workers", config.BroadcastWorkers,
		"storage_workers", config.StorageWorkers,
		"store", store.Name())
	return s, nil
}

// Connect registers a transport connection with the pipeline. The id must
// be unique for the connection's lifetime.
func (s *Server) Connect(connID string, t stream.Transport) error {
	select {
	case <-s.shutdownCh:
		return fmt.Errorf("relay is shutting down")
	default:
	}

	if err := s.router.Attach(connID, t); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connState{
		id:      connID,
		created: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.touch()

	s.connLock.Lock()
	s.conns[connID] = c
	n := len(s.conns)
	s.connLock.Unlock()

	metrics.SetGauge([]string{"relay", "connections"}, float32(n))
	s.logger.Debug("connection attached", "conn_id", connID)
	return nil
}

// Submit pushes one raw frame into the pipeline. The result tells the
// transport whether to apply backpressure or report a drop.
func (s *Server) Submit(connID string, frame []byte) PushResult {
	if c := s.conn(connID); c != nil {
		c.touch()
	}
	return s.ingress.Push(connID, frame)
}

// Disconnect tears down everything scoped to the connection: in-flight
// queries are cancelled, index entries removed, the outbound queue
// dropped. Safe to call more than once.
func (s *Server) Disconnect(connID string) {
	s.router.Detach(connID)
	s.cleanup(connID)
}

// onRouterEvict runs after the router closed a connection on its own
// (slow consumer or failed write). The router already detached itself.
func (s *Server) onRouterEvict(connID, reason string) {
	metrics.IncrCounter([]string{"relay", "evicted"}, 1)
	s.logger.Info("connection evicted", "conn_id", connID, "reason", reason)
	s.cleanup(connID)
}

func (s *Server) cleanup(connID string) {
	s.connLock.Lock()
	c := s.conns[connID]
	delete(s.conns, connID)
	n := len(s.conns)
	s.connLock.Unlock()

	if c == nil {
		return
	}
	c.cancel()
	s.registry.DetachConn(connID)
	metrics.SetGauge([]string{"relay", "connections"}, float32(n))
	s.logger.Debug("connection detached", "conn_id", connID)
}

func (s *Server) conn(connID string) *connState {
	s.connLock.RLock()
	defer s.connLock.RUnlock()
	return s.conns[connID]
}

// MaxEventBytes exposes the configured event size cap so the transport
// can derive its read limit.
func (s *Server) MaxEventBytes() int {
	return s.config.MaxEventBytes
}

// PurgePolicyCache drops every cached policy decision. Called after the
// policy store's contents changed out from under the cache, e.g. on a
// config reload.
func (s *Server) PurgePolicyCache() {
	s.policy.Purge()
}

// Stats is a point-in-time snapshot for the status endpoint.
type Stats struct {
	Connections   int    `json:"connections"`
	Subscriptions int    `json:"subscriptions"`
	StoredEvents  int64  `json:"stored_events"`
	IngressDepth  int    `json:"ingress_depth"`
	Store         string `json:"store"`
}

// Stats reports current pipeline state.
func (s *Server) Stats() Stats {
	stored, err := s.store.TotalEvents()
	if err != nil {
		s.logger.Warn("failed to count stored events", "error", err)
	}
	s.connLock.RLock()
	conns := len(s.conns)
	s.connLock.RUnlock()

	return Stats{
		Connections:   conns,
		Subscriptions: s.registry.NumSubscriptions(),
		StoredEvents:  stored,
		IngressDepth:  s.ingress.Len(),
		Store:         s.store.Name(),
	}
}

// Shutdown drains the pipeline: ingress closes, validators finish their
// current batches, queries are cancelled, the broadcaster and batcher
// flush, and the router stops. The store stays open for the owner to
// close.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.logger.Info("relay pipeline shutting down")

		s.ingress.Close()
		s.validators.Wait()

		s.connLock.Lock()
		for _, c := range s.conns {
			c.cancel()
		}
		s.connLock.Unlock()
		s.queries.Wait()

		s.broadcaster.Shutdown()
		s.batcher.Shutdown()
		s.router.Shutdown()
		s.logger.Info("relay pipeline stopped")
	})
}
