// Package telemetry serves read-only wheel and key sensor data to browser
// clients over websockets, using the same compact binary record formats
// and decimation behavior as the original instrument's diagnostic overlay.
package telemetry

import (
	"encoding/binary"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/midigurdy/mg-core/internal/sensors"
)

// wheelMaxPackets bounds how many wheel records accumulate in one batch
// before being flushed to connected clients.
const wheelMaxPackets = 100

// keyReportDecimation sends a keys update only every Nth call to
// ReportKeys, since key state changes far more often than clients need to
// redraw.
const keyReportDecimation = 50

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server hosts the wheel and keys websocket endpoints.
type Server struct {
	log *slog.Logger

	wheel *hub
	keys  *hub

	wheelBatch []byte
	wheelMu    sync.Mutex

	keyReportCalls int
	prevKeys       [sensors.KeyCount]sensors.Key
}

// New creates a telemetry Server. log may be nil.
func New(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:   log,
		wheel: newHub(),
		keys:  newHub(),
	}
}

// WheelHandler upgrades incoming connections to the wheel data stream.
func (s *Server) WheelHandler(w http.ResponseWriter, r *http.Request) {
	s.wheel.serve(s.log, w, r)
}

// KeysHandler upgrades incoming connections to the key data stream.
func (s *Server) KeysHandler(w http.ResponseWriter, r *http.Request) {
	s.keys.serve(s.log, w, r)
}

// HasKeyClients reports whether any client is currently connected to the
// keys endpoint, so the worker can skip ReportKeys entirely when nobody's
// listening.
func (s *Server) HasKeyClients() bool {
	return s.keys.clientCount() > 0
}

// RecordWheel appends one 8-byte little-endian wheel record (position,
// speed, chien volume, chien speed) to the pending batch. Called every
// tick the reported values actually changed; batches are capped at
// wheelMaxPackets records to bound memory if nobody's reading them.
func (s *Server) RecordWheel(position, speed, chienVolume, chienSpeed int) {
	s.wheelMu.Lock()
	defer s.wheelMu.Unlock()

	if len(s.wheelBatch)/8 >= wheelMaxPackets {
		return
	}

	var rec [8]byte
	binary.LittleEndian.PutUint16(rec[0:2], uint16(int16(position)))
	binary.LittleEndian.PutUint16(rec[2:4], uint16(int16(speed)))
	binary.LittleEndian.PutUint16(rec[4:6], uint16(int16(chienVolume)))
	binary.LittleEndian.PutUint16(rec[6:8], uint16(int16(chienSpeed)))
	s.wheelBatch = append(s.wheelBatch, rec[:]...)
}

// ReportWheel flushes the pending wheel batch to every connected wheel
// client as one binary message, if anything has accumulated since the
// last flush.
func (s *Server) ReportWheel() {
	s.wheelMu.Lock()
	batch := s.wheelBatch
	s.wheelBatch = nil
	s.wheelMu.Unlock()

	if len(batch) == 0 {
		return
	}
	s.wheel.broadcast(batch)
}

// ReportKeys sends one 10-byte record per key whose state changed since
// the last report: index, raw pressure, smoothed pressure, velocity,
// action. Decimated to run only every keyReportDecimation calls.
func (s *Server) ReportKeys(kb *sensors.Keyboard) {
	s.keyReportCalls++
	if s.keyReportCalls < keyReportDecimation {
		return
	}
	s.keyReportCalls = 0

	var batch []byte
	for i := range kb.Keys {
		k := kb.Keys[i]
		if k == s.prevKeys[i] {
			continue
		}
		s.prevKeys[i] = k

		var rec [10]byte
		binary.LittleEndian.PutUint16(rec[0:2], uint16(i))
		binary.LittleEndian.PutUint16(rec[2:4], uint16(int16(k.RawPressure)))
		binary.LittleEndian.PutUint16(rec[4:6], uint16(int16(k.SmoothedPressure)))
		binary.LittleEndian.PutUint16(rec[6:8], uint16(int16(k.Velocity)))
		binary.LittleEndian.PutUint16(rec[8:10], uint16(int16(k.Action)))
		batch = append(batch, rec[:]...)
	}

	if len(batch) > 0 {
		s.keys.broadcast(batch)
	}
}

// sendQueueLen bounds how many unsent messages may queue per client before
// further broadcasts to that client are dropped. Telemetry is best-effort:
// a slow client loses packets rather than stalling the worker tick.
const sendQueueLen = 16

// hub tracks the set of clients connected to one endpoint and broadcasts
// binary messages to all of them. Broadcast never blocks: each client has
// its own buffered send queue drained by a writer goroutine, so the
// realtime worker hands a payload off and moves on.
type hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	count   int64
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*hubClient]struct{})}
}

func (h *hub) clientCount() int {
	return int(atomic.LoadInt64(&h.count))
}

func (h *hub) serve(log *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("telemetry websocket upgrade failed", "error", err)
		return
	}

	c := &hubClient{conn: conn, send: make(chan []byte, sendQueueLen)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	atomic.AddInt64(&h.count, 1)

	go c.writeLoop()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		atomic.AddInt64(&h.count, -1)
		close(c.send)
	}()

	// This endpoint is output-only: the read loop just drains control
	// frames (ping/close) until the client disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *hubClient) writeLoop() {
	defer c.conn.Close()
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			// Drain until serve notices the dead connection and closes
			// the channel, so broadcasts keep finding room.
			for range c.send {
			}
			return
		}
	}
}

func (h *hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Queue full: drop this payload for this client.
		}
	}
}
