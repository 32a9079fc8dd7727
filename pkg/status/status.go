// Package status pushes periodic machine-state snapshots to connected
// websocket clients — the transport a display task or remote monitor
// consumes to show mode, pitch, axis positions and spindle RPM without
// polling the motion core directly.
package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nanoels/els-core/pkg/log"
	"github.com/nanoels/els-core/pkg/pool"
)

// AxisSnapshot is one axis's state at the moment of a broadcast.
type AxisSnapshot struct {
	PositionSteps int64 `json:"position_steps"`
	Moving        bool  `json:"moving"`
	Enabled       bool  `json:"enabled"`
}

// Snapshot is the full machine state broadcast to every client.
type Snapshot struct {
	Mode          string                  `json:"mode"`
	Enabled       bool                    `json:"enabled"`
	PitchDu       int64                   `json:"pitch_du"`
	Starts        int                     `json:"starts"`
	EncoderRPM    int                     `json:"encoder_rpm"`
	EncoderPos    int64                   `json:"encoder_position"`
	Axes          map[string]AxisSnapshot `json:"axes"`
	EStopLatched  bool                    `json:"estop_latched"`
	EStopReason   string                  `json:"estop_reason,omitempty"`
}

// Provider supplies the current machine state. MotionCoordinator plus a
// safety.Manager satisfy this via a small adapter in cmd/els-core.
type Provider interface {
	StatusSnapshot() Snapshot
}

// Server broadcasts Provider snapshots to every connected websocket client
// at a fixed rate.
type Server struct {
	provider Provider
	rate     time.Duration

	upgrader websocket.Upgrader

	clientMu sync.RWMutex
	clients  map[int64]*client
	nextID   int64

	httpServer *http.Server
	addr       string
	running    atomic.Bool
	stop       chan struct{}
}

type client struct {
	id     int64
	conn   *websocket.Conn
	sendCh chan Snapshot
	done   chan struct{}
	mu     sync.Mutex
}

// New creates a status server that polls provider at hz (defaulting to 10Hz
// for hz <= 0) and serves websocket connections at addr.
func New(provider Provider, addr string, hz float64) *Server {
	rate := time.Second / 10
	if hz > 0 {
		rate = time.Duration(float64(time.Second) / hz)
	}
	return &Server{
		provider: provider,
		rate:     rate,
		addr:     addr,
		clients:  make(map[int64]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		stop: make(chan struct{}),
	}
}

// Start serves the websocket endpoint and runs the broadcast loop. Blocks
// until the server is closed.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleWebSocket)

	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}
	s.running.Store(true)

	go s.broadcastLoop()

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Close stops the broadcast loop, closes every client connection and shuts
// down the HTTP server.
func (s *Server) Close() error {
	s.running.Store(false)
	close(s.stop)

	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*client)
	s.clientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// IsRunning reports whether the broadcast loop is active.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// ClientCount returns the number of currently connected clients.
func (s *Server) ClientCount() int {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("status: websocket upgrade error: %v", err)
		return
	}
	s.addClient(conn)
}

func (s *Server) addClient(conn *websocket.Conn) *client {
	id := atomic.AddInt64(&s.nextID, 1)
	c := &client{
		id:     id,
		conn:   conn,
		sendCh: make(chan Snapshot, 8),
		done:   make(chan struct{}),
	}

	s.clientMu.Lock()
	s.clients[id] = c
	s.clientMu.Unlock()

	go c.writePump()
	go func() {
		c.readPump()
		s.removeClient(id)
	}()

	return c
}

func (s *Server) removeClient(id int64) {
	s.clientMu.Lock()
	c, ok := s.clients[id]
	delete(s.clients, id)
	s.clientMu.Unlock()
	if ok {
		c.close()
	}
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(s.rate)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.broadcast(s.provider.StatusSnapshot())
		}
	}
}

func (s *Server) broadcast(snap Snapshot) {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	for _, c := range s.clients {
		c.send(snap)
	}
}

func (c *client) send(snap Snapshot) {
	select {
	case c.sendCh <- snap:
	case <-c.done:
	default:
		// slow client, drop this frame rather than block the broadcast loop
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case snap, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeSnapshot(snap); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// writeSnapshot encodes snap into a pooled buffer and writes it as a single
// text frame, avoiding a fresh byte-slice allocation on every broadcast tick
// per connected client.
func (c *client) writeSnapshot(snap Snapshot) error {
	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)

	if err := json.NewEncoder(buf).Encode(snap); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// readPump drains and discards client messages, just enough to notice a
// closed connection; this feed has no inbound command surface.
func (c *client) readPump() {
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}
