// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/andotherstuff/otherstuff-relay-sub000/helper/uuid"
	"github.com/andotherstuff/otherstuff-relay-sub000/relay"
)

const (
	// wsFrameSlack is added to the configured max event size for the read
	// limit, covering the frame envelope around the event body.
	wsFrameSlack = 4096

	// wsPongWait is how long a connection may stay silent before the read
	// loop gives up on it; pings go out at a third of that.
	wsPongWait    = 90 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsWriteWait   = 10 * time.Second
	wsCloseGrace  = 250 * time.Millisecond
	wsMaxDropRuns = 5

	// wsBackpressureDelay is inserted into the read loop when the ingress
	// queue passes its soft watermark, slowing the producer down at the
	// TCP level.
	wsBackpressureDelay = 25 * time.Millisecond
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay protocol has no browser origin story; any origin may
	// connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// serveWebsocket upgrades the request and runs the connection's read loop
// until the client leaves or the relay evicts it.
func (s *HTTPServer) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ip := requestIP(r)
	if blocked, err := s.agent.Policy().IPBlocked(ip); err != nil {
		s.logger.Error("ip policy lookup failed", "ip", ip, "error", err)
	} else if blocked {
		metrics.IncrCounter([]string{"relay", "http", "blocked_ip"}, 1)
		http.Error(w, "address is blocked", http.StatusForbidden)
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("websocket upgrade failed", "ip", ip, "error", err)
		return
	}

	connID := uuid.Generate()
	conn := &wsConn{
		id:     connID,
		ws:     ws,
		logger: s.logger.With("conn_id", connID, "ip", ip),
		server: s.agent.Relay(),
		done:   make(chan struct{}),
	}
	conn.run()
}

// wsConn adapts one websocket to the relay's transport contract. The
// relay's router calls WriteFrames and Close; the read loop feeds the
// ingress queue.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	logger hclog.Logger
	server *relay.Server

	writeLock sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// WriteFrames sends a coalesced batch of text frames in order.
func (c *wsConn) WriteFrames(frames [][]byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	for _, frame := range frames {
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

// Close sends a close frame with the reason when feasible, then tears the
// socket down.
func (c *wsConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		c.writeLock.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(wsCloseGrace))
		_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
		c.writeLock.Unlock()
	})
	return c.ws.Close()
}

// run attaches the connection to the relay and pumps frames until the
// socket dies.
func (c *wsConn) run() {
	if err := c.server.Connect(c.id, c); err != nil {
		c.logger.Debug("relay refused connection", "error", err)
		c.Close("relay unavailable")
		return
	}
	defer c.server.Disconnect(c.id)
	defer c.Close("")

	metrics.IncrCounter([]string{"relay", "http", "connections"}, 1)
	c.logger.Debug("websocket connected")

	c.ws.SetReadLimit(int64(c.readLimit()))
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go c.pingLoop()
	c.readLoop()
}

func (c *wsConn) readLimit() int {
	return wsFrameSlack + c.server.MaxEventBytes()
}

// readLoop pushes raw frames into the ingress queue, translating the
// queue's state into client-visible backpressure.
func (c *wsConn) readLoop() {
	dropRun := 0
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		if kind != websocket.TextMessage {
			continue
		}

		switch c.server.Submit(c.id, data) {
		case relay.PushOK:
			dropRun = 0

		case relay.PushBackpressure:
			dropRun = 0
			time.Sleep(wsBackpressureDelay)

		case relay.PushDropped:
			dropRun++
			c.sendNotice("relay overloaded, frame dropped")
			if dropRun >= wsMaxDropRuns {
				c.logger.Info("closing connection after repeated ingress drops", "drops", dropRun)
				c.Close("relay overloaded")
				return
			}
		}
	}
}

func (c *wsConn) sendNotice(msg string) {
	frame := []byte(`["NOTICE","` + msg + `"]`)
	_ = c.WriteFrames([][]byte{frame})
}

// pingLoop keeps the read deadline fed on idle connections.
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeLock.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeLock.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// requestIP extracts the client address, preferring the proxy header when
// present.
func requestIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
