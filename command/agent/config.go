// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent wires the relay pipeline to its operating surface: HCL
// configuration, the HTTP/websocket front end, telemetry, and the process
// lifecycle.
package agent

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/andotherstuff/otherstuff-relay-sub000/helper/pointer"
	"github.com/andotherstuff/otherstuff-relay-sub000/relay"
)

// Config is the agent configuration, assembled from defaults, HCL files,
// and CLI flags, in that order of precedence.
type Config struct {
	// BindAddr is the address the HTTP listener binds to.
	BindAddr string `hcl:"bind_addr"`

	// Ports holds the listener port.
	Ports *Ports `hcl:"ports"`

	// DataDir enables the durable bolt store when set; empty keeps events
	// in memory only.
	DataDir string `hcl:"data_dir"`

	LogLevel string `hcl:"log_level"`
	LogJson  bool   `hcl:"log_json"`

	// EnableDebug serves /debug/pprof on the agent listener.
	EnableDebug bool `hcl:"enable_debug"`

	// HTTPMaxConnsPerClient caps concurrent connections per client IP.
	// Zero keeps the default; negative disables the limit.
	HTTPMaxConnsPerClient int `hcl:"http_max_conns_per_client"`

	Limits    *Limits    `hcl:"limits"`
	Pipeline  *Pipeline  `hcl:"pipeline"`
	Policy    *Policy    `hcl:"policy"`
	Info      *Info      `hcl:"info"`
	Telemetry *Telemetry `hcl:"telemetry"`

	// ExtraKeysHCL silences the HCL decoder on block keys it already
	// handled.
	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Ports holds the network ports.
type Ports struct {
	HTTP int `hcl:"http"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Limits mirrors the queue and size bounds of the pipeline.
type Limits struct {
	IngressSoftLimit   *int `hcl:"ingress_soft_limit"`
	IngressHardLimit   *int `hcl:"ingress_hard_limit"`
	OutboundSoftLimit  *int `hcl:"outbound_soft_limit"`
	OutboundHardLimit  *int `hcl:"outbound_hard_limit"`
	MaxEventBytes      *int `hcl:"max_event_bytes"`
	MaxFiltersPerReq   *int `hcl:"max_filters_per_req"`
	MaxHistoricalLimit *int `hcl:"max_historical_limit"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Pipeline sizes the worker pools and the storage batching.
type Pipeline struct {
	ValidationWorkers      *int `hcl:"validation_workers"`
	BroadcastWorkers       *int `hcl:"broadcast_workers"`
	StorageWorkers         *int `hcl:"storage_workers"`
	StorageBatchSize       *int `hcl:"storage_batch_size"`
	StorageFlushMs         *int `hcl:"storage_flush_ms"`
	BroadcastMaxAgeSeconds *int `hcl:"broadcast_max_age_seconds"`
	QueryDeadlineMs        *int `hcl:"query_deadline_ms"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Policy seeds the built-in policy store.
type Policy struct {
	TTLSeconds     *int     `hcl:"ttl_seconds"`
	BannedPubkeys  []string `hcl:"banned_pubkeys"`
	AllowedPubkeys []string `hcl:"allowed_pubkeys"`
	BannedEvents   []string `hcl:"banned_events"`
	AllowedKinds   []int    `hcl:"allowed_kinds"`
	DeniedKinds    []int    `hcl:"denied_kinds"`
	BlockedIPs     []string `hcl:"blocked_ips"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Info is the relay metadata served on the information document.
type Info struct {
	Name        string `hcl:"name"`
	Description string `hcl:"description"`
	Icon        string `hcl:"icon"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Telemetry configures metrics collection and exposition.
type Telemetry struct {
	PrometheusMetrics  bool   `hcl:"prometheus_metrics"`
	DisableHostname    bool   `hcl:"disable_hostname"`
	CollectionInterval string `hcl:"collection_interval"`

	collectionInterval time.Duration

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// DefaultConfig returns the agent defaults before file and flag merging.
func DefaultConfig() *Config {
	return &Config{
		BindAddr: "127.0.0.1",
		Ports:    &Ports{HTTP: 4648},
		LogLevel: "INFO",
		Limits:   &Limits{},
		Pipeline: &Pipeline{},
		Policy:   &Policy{},
		Info:     &Info{Name: "otherstuff relay"},
		Telemetry: &Telemetry{
			CollectionInterval: "1s",
			collectionInterval: time.Second,
		},
	}
}

// HTTPAddr returns the joined listener address.
func (c *Config) HTTPAddr() string {
	port := 4648
	if c.Ports != nil && c.Ports.HTTP != 0 {
		port = c.Ports.HTTP
	}
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(port))
}

// RelayConfig projects the agent configuration onto the pipeline's own
// config type.
func (c *Config) RelayConfig() (*relay.Config, error) {
	rc := relay.DefaultConfig()

	if l := c.Limits; l != nil {
		setInt(&rc.IngressSoftLimit, l.IngressSoftLimit)
		setInt(&rc.IngressHardLimit, l.IngressHardLimit)
		setInt(&rc.OutboundSoftLimit, l.OutboundSoftLimit)
		setInt(&rc.OutboundHardLimit, l.OutboundHardLimit)
		setInt(&rc.MaxEventBytes, l.MaxEventBytes)
		setInt(&rc.MaxFiltersPerReq, l.MaxFiltersPerReq)
		setInt(&rc.MaxQueryLimit, l.MaxHistoricalLimit)
	}
	if p := c.Pipeline; p != nil {
		setInt(&rc.ValidationWorkers, p.ValidationWorkers)
		setInt(&rc.BroadcastWorkers, p.BroadcastWorkers)
		setInt(&rc.StorageWorkers, p.StorageWorkers)
		setInt(&rc.StorageBatchSize, p.StorageBatchSize)
		if p.StorageFlushMs != nil {
			rc.StorageFlush = time.Duration(*p.StorageFlushMs) * time.Millisecond
		}
		if p.BroadcastMaxAgeSeconds != nil {
			rc.BroadcastMaxAge = time.Duration(*p.BroadcastMaxAgeSeconds) * time.Second
		}
		if p.QueryDeadlineMs != nil {
			rc.QueryDeadline = time.Duration(*p.QueryDeadlineMs) * time.Millisecond
		}
	}
	if c.Policy != nil && c.Policy.TTLSeconds != nil {
		rc.PolicyTTL = time.Duration(*c.Policy.TTLSeconds) * time.Second
	}

	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline configuration: %w", err)
	}
	return rc, nil
}

// Merge layers b on top of c, returning a new config. Scalars in b win
// when set; list fields replace rather than append.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.DataDir != "" {
		result.DataDir = b.DataDir
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJson {
		result.LogJson = true
	}
	if b.EnableDebug {
		result.EnableDebug = true
	}
	if b.HTTPMaxConnsPerClient != 0 {
		result.HTTPMaxConnsPerClient = b.HTTPMaxConnsPerClient
	}

	if b.Ports != nil {
		if result.Ports == nil {
			result.Ports = &Ports{}
		} else {
			p := *result.Ports
			result.Ports = &p
		}
		if b.Ports.HTTP != 0 {
			result.Ports.HTTP = b.Ports.HTTP
		}
	}

	if b.Limits != nil {
		result.Limits = result.Limits.Merge(b.Limits)
	}
	if b.Pipeline != nil {
		result.Pipeline = result.Pipeline.Merge(b.Pipeline)
	}
	if b.Policy != nil {
		result.Policy = result.Policy.Merge(b.Policy)
	}
	if b.Info != nil {
		result.Info = result.Info.Merge(b.Info)
	}
	if b.Telemetry != nil {
		result.Telemetry = result.Telemetry.Merge(b.Telemetry)
	}

	return &result
}

func (l *Limits) Merge(b *Limits) *Limits {
	if l == nil {
		l = &Limits{}
	}
	result := *l
	mergeInt(&result.IngressSoftLimit, b.IngressSoftLimit)
	mergeInt(&result.IngressHardLimit, b.IngressHardLimit)
	mergeInt(&result.OutboundSoftLimit, b.OutboundSoftLimit)
	mergeInt(&result.OutboundHardLimit, b.OutboundHardLimit)
	mergeInt(&result.MaxEventBytes, b.MaxEventBytes)
	mergeInt(&result.MaxFiltersPerReq, b.MaxFiltersPerReq)
	mergeInt(&result.MaxHistoricalLimit, b.MaxHistoricalLimit)
	return &result
}

func (p *Pipeline) Merge(b *Pipeline) *Pipeline {
	if p == nil {
		p = &Pipeline{}
	}
	result := *p
	mergeInt(&result.ValidationWorkers, b.ValidationWorkers)
	mergeInt(&result.BroadcastWorkers, b.BroadcastWorkers)
	mergeInt(&result.StorageWorkers, b.StorageWorkers)
	mergeInt(&result.StorageBatchSize, b.StorageBatchSize)
	mergeInt(&result.StorageFlushMs, b.StorageFlushMs)
	mergeInt(&result.BroadcastMaxAgeSeconds, b.BroadcastMaxAgeSeconds)
	mergeInt(&result.QueryDeadlineMs, b.QueryDeadlineMs)
	return &result
}

func (p *Policy) Merge(b *Policy) *Policy {
	if p == nil {
		p = &Policy{}
	}
	result := *p
	mergeInt(&result.TTLSeconds, b.TTLSeconds)
	if b.BannedPubkeys != nil {
		result.BannedPubkeys = b.BannedPubkeys
	}
	if b.AllowedPubkeys != nil {
		result.AllowedPubkeys = b.AllowedPubkeys
	}
	if b.BannedEvents != nil {
		result.BannedEvents = b.BannedEvents
	}
	if b.AllowedKinds != nil {
		result.AllowedKinds = b.AllowedKinds
	}
	if b.DeniedKinds != nil {
		result.DeniedKinds = b.DeniedKinds
	}
	if b.BlockedIPs != nil {
		result.BlockedIPs = b.BlockedIPs
	}
	return &result
}

func (i *Info) Merge(b *Info) *Info {
	if i == nil {
		i = &Info{}
	}
	result := *i
	if b.Name != "" {
		result.Name = b.Name
	}
	if b.Description != "" {
		result.Description = b.Description
	}
	if b.Icon != "" {
		result.Icon = b.Icon
	}
	return &result
}

func (t *Telemetry) Merge(b *Telemetry) *Telemetry {
	if t == nil {
		t = &Telemetry{}
	}
	result := *t
	if b.PrometheusMetrics {
		result.PrometheusMetrics = true
	}
	if b.DisableHostname {
		result.DisableHostname = true
	}
	if b.CollectionInterval != "" {
		result.CollectionInterval = b.CollectionInterval
		result.collectionInterval = b.collectionInterval
	}
	return &result
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func mergeInt(dst **int, src *int) {
	if src != nil {
		*dst = pointer.Of(*src)
	}
}
