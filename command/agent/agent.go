// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/andotherstuff/otherstuff-relay-sub000/relay"
	"github.com/andotherstuff/otherstuff-relay-sub000/relay/policy"
	"github.com/andotherstuff/otherstuff-relay-sub000/relay/state"
)

// Agent owns the relay server and its backing stores for the lifetime of
// the process.
type Agent struct {
	config     *Config
	configLock sync.RWMutex

	logger hclog.InterceptLogger

	store  state.EventStore
	policy *swappablePolicy
	relay  *relay.Server

	shutdownLock sync.Mutex
	shutdown     bool
}

// NewAgent builds the stores from the configuration and starts the relay
// pipeline.
func NewAgent(config *Config, logger hclog.InterceptLogger) (*Agent, error) {
	a := &Agent{
		config: config,
		logger: logger,
	}

	mem, err := policyFromConfig(config.Policy)
	if err != nil {
		return nil, err
	}
	a.policy = &swappablePolicy{inner: mem}

	store, err := storeFromConfig(config, logger)
	if err != nil {
		return nil, err
	}
	a.store = store

	relayConfig, err := config.RelayConfig()
	if err != nil {
		store.Close()
		return nil, err
	}

	server, err := relay.NewServer(relayConfig, logger, store, a.policy)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.relay = server
	return a, nil
}

// Relay returns the running pipeline.
func (a *Agent) Relay() *relay.Server { return a.relay }

// Config returns the current agent configuration.
func (a *Agent) Config() *Config {
	a.configLock.RLock()
	defer a.configLock.RUnlock()
	return a.config
}

// Policy exposes the policy store for the connection-time IP check.
func (a *Agent) Policy() policy.Store { return a.policy }

// Reload applies the reloadable subset of a new configuration: the log
// level and the policy seed lists.
func (a *Agent) Reload(newConfig *Config) error {
	if newConfig == nil {
		return nil
	}

	if newConfig.LogLevel != "" {
		level := hclog.LevelFromString(newConfig.LogLevel)
		if level == hclog.NoLevel {
			return fmt.Errorf("unknown log level %q", newConfig.LogLevel)
		}
		a.logger.SetLevel(level)
	}

	if newConfig.Policy != nil {
		mem, err := policyFromConfig(newConfig.Policy)
		if err != nil {
			return err
		}
		a.policy.swap(mem)
		a.relay.PurgePolicyCache()
	}

	a.configLock.Lock()
	a.config = a.config.Merge(newConfig)
	a.configLock.Unlock()

	a.logger.Info("agent configuration reloaded")
	return nil
}

// Shutdown stops the pipeline and closes the event store.
func (a *Agent) Shutdown() {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return
	}
	a.shutdown = true

	a.logger.Info("requesting shutdown")
	a.relay.Shutdown()
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close event store", "error", err)
	}
	a.logger.Info("shutdown complete")
}

func policyFromConfig(p *Policy) (*policy.Memory, error) {
	cfg := policy.MemoryConfig{}
	if p != nil {
		cfg = policy.MemoryConfig{
			BannedPubkeys:  p.BannedPubkeys,
			AllowedPubkeys: p.AllowedPubkeys,
			BannedEvents:   p.BannedEvents,
			AllowedKinds:   p.AllowedKinds,
			DeniedKinds:    p.DeniedKinds,
			BlockedIPs:     p.BlockedIPs,
		}
	}
	mem, err := policy.NewMemory(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid policy configuration: %w", err)
	}
	return mem, nil
}

func storeFromConfig(config *Config, logger hclog.Logger) (state.EventStore, error) {
	if config.DataDir == "" {
		return state.NewMemoryStore()
	}
	if err := os.MkdirAll(config.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data_dir: %w", err)
	}
	return state.NewBoltStore(logger, filepath.Join(config.DataDir, "events.db"))
}

// swappablePolicy lets a reload replace the seeded policy store while the
// pipeline keeps one stable Store reference.
type swappablePolicy struct {
	mu    sync.RWMutex
	inner *policy.Memory
}

func (s *swappablePolicy) get() *policy.Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner
}

func (s *swappablePolicy) swap(m *policy.Memory) {
	s.mu.Lock()
	s.inner = m
	s.mu.Unlock()
}

func (s *swappablePolicy) PubkeyBanned(pubkey string) (bool, error) { return s.get().PubkeyBanned(pubkey) }
func (s *swappablePolicy) PubkeyAllowed(pubkey string) (bool, error) {
	return s.get().PubkeyAllowed(pubkey)
}
func (s *swappablePolicy) EventBanned(id string) (bool, error) { return s.get().EventBanned(id) }
func (s *swappablePolicy) KindAllowed(kind int) (bool, error)  { return s.get().KindAllowed(kind) }
func (s *swappablePolicy) IPBlocked(ip string) (bool, error)   { return s.get().IPBlocked(ip) }
