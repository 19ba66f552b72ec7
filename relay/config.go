// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package relay implements the event pipeline: the ingress queue feeding a
// validator pool, the broadcast fan-out over the subscription index, the
// batched writer in front of the event store, and the historical query path
// that backfills new subscriptions.
package relay

import (
	"fmt"
	"runtime"
	"time"
)

// Config tunes the pipeline. The zero value is not usable; start from
// DefaultConfig and override.
type Config struct {
	// ValidationWorkers is the number of goroutines draining the ingress
	// queue. Zero means 0.75x the core count, minimum one.
	ValidationWorkers int

	// BroadcastWorkers is the number of goroutines fanning accepted events
	// out to subscriptions.
	BroadcastWorkers int

	// StorageWorkers is the number of goroutines flushing batches to the
	// event store. Zero means 0.25x the core count, minimum one.
	StorageWorkers int

	// IngressSoftLimit is the queue depth at which Push starts signalling
	// backpressure; IngressHardLimit is the depth at which frames are
	// dropped outright.
	IngressSoftLimit int
	IngressHardLimit int

	// OutboundSoftLimit is the per-connection queue depth past which the
	// router abandons write coalescing and drains at transport speed;
	// OutboundHardLimit caps the queue, dropping frames beyond it.
	OutboundSoftLimit int
	OutboundHardLimit int

	// OutboundDropLimit is the number of consecutive outbound drops after
	// which a connection is closed as too slow.
	OutboundDropLimit int

	// StorageBatchSize is the target events per store write; StorageFlush
	// bounds how long a partial batch may wait.
	StorageBatchSize int
	StorageFlush     time.Duration

	// BroadcastMaxAge rejects or quarantines events whose created_at lags
	// the clock by more than this. Zero disables the check.
	BroadcastMaxAge time.Duration

	// MaxEventBytes caps the serialized size of a submitted event.
	MaxEventBytes int

	// MaxFiltersPerReq caps the filters honored per REQ or COUNT; surplus
	// filters are dropped with a notice.
	MaxFiltersPerReq int

	// DefaultQueryLimit applies when a filter carries no limit;
	// MaxQueryLimit clamps explicit limits.
	DefaultQueryLimit int
	MaxQueryLimit     int

	// QueryDeadline bounds one REQ's historical phase.
	QueryDeadline time.Duration

	// PolicyTTL bounds how long cached policy decisions are served.
	PolicyTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		ValidationWorkers: scaleWorkers(0.75),
		BroadcastWorkers:  1,
		StorageWorkers:    scaleWorkers(0.25),
		IngressSoftLimit:  10000,
		IngressHardLimit:  100000,
		OutboundSoftLimit: 1000,
		OutboundHardLimit: 10000,
		OutboundDropLimit: 50,
		StorageBatchSize:  1000,
		StorageFlush:      time.Second,
		BroadcastMaxAge:   0,
		MaxEventBytes:     500000,
		MaxFiltersPerReq:  10,
		DefaultQueryLimit: 500,
		MaxQueryLimit:     5000,
		QueryDeadline:     10 * time.Second,
		PolicyTTL:         30 * time.Second,
	}
}

// Canonicalize fills derived defaults for fields left at zero.
func (c *Config) Canonicalize() {
	if c.ValidationWorkers <= 0 {
		c.ValidationWorkers = scaleWorkers(0.75)
	}
	if c.BroadcastWorkers <= 0 {
		c.BroadcastWorkers = 1
	}
	if c.StorageWorkers <= 0 {
		c.StorageWorkers = scaleWorkers(0.25)
	}
	if c.OutboundDropLimit <= 0 {
		c.OutboundDropLimit = 50
	}
	if c.DefaultQueryLimit <= 0 {
		c.DefaultQueryLimit = 500
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.IngressSoftLimit <= 0 || c.IngressHardLimit < c.IngressSoftLimit {
		return fmt.Errorf("ingress limits %d/%d are not ascending positive values",
			c.IngressSoftLimit, c.IngressHardLimit)
	}
	if c.OutboundHardLimit <= 0 {
		return fmt.Errorf("outbound hard limit %d must be positive", c.OutboundHardLimit)
	}
	if c.StorageBatchSize <= 0 {
		return fmt.Errorf("storage batch size %d must be positive", c.StorageBatchSize)
	}
	if c.MaxEventBytes <= 0 {
		return fmt.Errorf("max event bytes %d must be positive", c.MaxEventBytes)
	}
	if c.MaxFiltersPerReq <= 0 {
		return fmt.Errorf("max filters per req %d must be positive", c.MaxFiltersPerReq)
	}
	if c.MaxQueryLimit <= 0 {
		return fmt.Errorf("max historical limit %d must be positive", c.MaxQueryLimit)
	}
	if c.QueryDeadline <= 0 {
		return fmt.Errorf("query deadline %s must be positive", c.QueryDeadline)
	}
	return nil
}

// scaleWorkers sizes a worker pool as a fraction of the machine, never
// below one.
func scaleWorkers(fraction float64) int {
	n := int(fraction * float64(runtime.NumCPU()))
	if n < 1 {
		n = 1
	}
	return n
}
