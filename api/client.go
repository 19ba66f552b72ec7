// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package api is a small websocket client for the relay protocol, used by
// the CLI and the integration tests. It multiplexes one connection:
// publishes wait on their OK acks, subscriptions receive their deliveries
// on channels, and a background read pump feeds both.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/andotherstuff/otherstuff-relay-sub000/relay/structs"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Config configures the client connection.
type Config struct {
	// Address is the relay base address, e.g. "ws://127.0.0.1:4648" or an
	// http(s) URL which is rewritten to the websocket scheme.
	Address string

	// Header is attached to the upgrade request.
	Header http.Header
}

// Ack is the relay's answer to one published event.
type Ack struct {
	EventID  string
	Accepted bool
	Message  string
}

// Subscription is the client side of one REQ. Events carries both stored
// and live deliveries; EOSE closes once after the stored phase. Closed
// delivers the relay's reason when the relay ends the subscription.
type Subscription struct {
	ID     string
	Events chan *structs.Event
	EOSE   chan struct{}
	Closed chan string

	eoseOnce sync.Once
}

// Client is a connected relay client. Safe for concurrent use.
type Client struct {
	conn *websocket.Conn

	writeLock sync.Mutex

	mu      sync.Mutex
	acks    map[string]chan Ack
	counts  map[string]chan int64
	subs    map[string]*Subscription
	notices []string
	closed  bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Dial connects and starts the read and keepalive pumps.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	addr, err := websocketURL(cfg.Address)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, addr, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %s)", addr, err, resp.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	group, pumpCtx := errgroup.WithContext(pumpCtx)

	c := &Client{
		conn:   conn,
		acks:   make(map[string]chan Ack),
		counts: make(map[string]chan int64),
		subs:   make(map[string]*Subscription),
		group:  group,
		cancel: cancel,
	}
	group.Go(func() error { return c.readPump(pumpCtx) })
	group.Go(func() error { return c.pingPump(pumpCtx) })
	return c, nil
}

// Close tears the connection down and waits for the pumps to stop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.conn.Close()
	_ = c.group.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		close(sub.Events)
	}
	c.subs = map[string]*Subscription{}
	return err
}

// Publish submits one signed event and waits for its ack.
func (c *Client) Publish(ctx context.Context, e *structs.Event) (Ack, error) {
	ackCh := make(chan Ack, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Ack{}, errors.New("client is closed")
	}
	c.acks[e.ID] = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.acks, e.ID)
		c.mu.Unlock()
	}()

	if err := c.writeFrame([]any{structs.OpEvent, e}); err != nil {
		return Ack{}, err
	}

	select {
	case ack := <-ackCh:
		return ack, nil
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

// Subscribe installs a subscription. Deliveries arrive on the returned
// channels until Unsubscribe or Close.
func (c *Client) Subscribe(subID string, filters ...*structs.Filter) (*Subscription, error) {
	sub := &Subscription{
		ID:     subID,
		Events: make(chan *structs.Event, 256),
		EOSE:   make(chan struct{}),
		Closed: make(chan string, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("client is closed")
	}
	if _, exists := c.subs[subID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("subscription %q already exists", subID)
	}
	c.subs[subID] = sub
	c.mu.Unlock()

	frame := make([]any, 0, 2+len(filters))
	frame = append(frame, structs.OpReq, subID)
	for _, f := range filters {
		frame = append(frame, f)
	}
	if err := c.writeFrame(frame); err != nil {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// Unsubscribe ends a subscription. The relay stops sending; the local
// channels stay open until Close so late frames do not panic.
func (c *Client) Unsubscribe(subID string) error {
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()
	return c.writeFrame([]any{structs.OpClose, subID})
}

// Count asks the relay how many stored events match the filters.
func (c *Client) Count(ctx context.Context, subID string, filters ...*structs.Filter) (int64, error) {
	countCh := make(chan int64, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errors.New("client is closed")
	}
	c.counts[subID] = countCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.counts, subID)
		c.mu.Unlock()
	}()

	frame := make([]any, 0, 2+len(filters))
	frame = append(frame, structs.OpCount, subID)
	for _, f := range filters {
		frame = append(frame, f)
	}
	if err := c.writeFrame(frame); err != nil {
		return 0, err
	}

	select {
	case n := <-countCh:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Notices returns the free-form notices received so far.
func (c *Client) Notices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.notices))
	copy(out, c.notices)
	return out
}

func (c *Client) writeFrame(frame []any) error {
	data, err := wireJSON.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump decodes inbound frames and routes them to the waiting caller
// or subscription.
func (c *Client) readPump(ctx context.Context) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.route(data)
	}
}

func (c *Client) route(data []byte) {
	var parts []jsoniter.RawMessage
	if err := wireJSON.Unmarshal(data, &parts); err != nil || len(parts) == 0 {
		return
	}
	var op string
	if wireJSON.Unmarshal(parts[0], &op) != nil {
		return
	}

	switch op {
	case structs.OpOK:
		if len(parts) != 4 {
			return
		}
		var ack Ack
		if wireJSON.Unmarshal(parts[1], &ack.EventID) != nil ||
			wireJSON.Unmarshal(parts[2], &ack.Accepted) != nil ||
			wireJSON.Unmarshal(parts[3], &ack.Message) != nil {
			return
		}
		c.mu.Lock()
		ch := c.acks[ack.EventID]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- ack:
			default:
			}
		}

	case structs.OpEvent:
		if len(parts) != 3 {
			return
		}
		var subID string
		var e structs.Event
		if wireJSON.Unmarshal(parts[1], &subID) != nil ||
			wireJSON.Unmarshal(parts[2], &e) != nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[subID]
		c.mu.Unlock()
		if sub != nil {
			select {
			case sub.Events <- &e:
			default:
			}
		}

	case structs.OpEOSE:
		if len(parts) != 2 {
			return
		}
		var subID string
		if wireJSON.Unmarshal(parts[1], &subID) != nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[subID]
		c.mu.Unlock()
		if sub != nil {
			sub.eoseOnce.Do(func() { close(sub.EOSE) })
		}

	case structs.OpClosed:
		if len(parts) != 3 {
			return
		}
		var subID, reason string
		if wireJSON.Unmarshal(parts[1], &subID) != nil ||
			wireJSON.Unmarshal(parts[2], &reason) != nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[subID]
		delete(c.subs, subID)
		c.mu.Unlock()
		if sub != nil {
			select {
			case sub.Closed <- reason:
			default:
			}
		}

	case structs.OpNotice:
		if len(parts) != 2 {
			return
		}
		var msg string
		if wireJSON.Unmarshal(parts[1], &msg) != nil {
			return
		}
		c.mu.Lock()
		c.notices = append(c.notices, msg)
		c.mu.Unlock()

	case structs.OpCount:
		if len(parts) != 3 {
			return
		}
		var subID string
		var body struct {
			Count int64 `json:"count"`
		}
		if wireJSON.Unmarshal(parts[1], &subID) != nil ||
			wireJSON.Unmarshal(parts[2], &body) != nil {
			return
		}
		c.mu.Lock()
		ch := c.counts[subID]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- body.Count:
			default:
			}
		}
	}
}

// pingPump keeps intermediaries from timing the connection out.
func (c *Client) pingPump(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.writeLock.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeLock.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

// websocketURL normalizes an address to the ws scheme.
func websocketURL(address string) (string, error) {
	if address == "" {
		return "", errors.New("missing relay address")
	}
	if !strings.Contains(address, "://") {
		address = "ws://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parsing address: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
