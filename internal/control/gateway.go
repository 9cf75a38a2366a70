// ABOUTME: WebSocket control gateway exposing the audio core to clients.
// ABOUTME: JSON messages carry control; binary frames carry payload bytes.
package control

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/internal/service"
	"github.com/auricle-audio/auricle-go/internal/version"
	"github.com/auricle-audio/auricle-go/pkg/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config configures the control gateway.
type Config struct {
	// Port to listen on. Zero binds an ephemeral port; the daemon wires the
	// configured default through here.
	Port int

	// Name reported to clients. Defaults to the service name.
	Name string

	// Service is the audio core the gateway fronts (required).
	Service *service.Service
}

// Gateway accepts control connections and maps protocol messages onto the
// audio core. One session per connection; streams die with their session.
type Gateway struct {
	config   Config
	serverID string
	svc      *service.Service

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux
	listener   net.Listener

	sessions   map[string]*session
	sessionsMu sync.RWMutex

	stopOnce   sync.Once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

// NewGateway creates a gateway over the given service.
func NewGateway(config Config) (*Gateway, error) {
	if config.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if config.Name == "" {
		config.Name = config.Service.Name()
	}

	g := &Gateway{
		config:   config,
		serverID: uuid.New().String(),
		svc:      config.Service,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The daemon serves the local machine and trusted LAN
				// clients; there is no browser origin to defend.
				return true
			},
		},
		sessions: make(map[string]*session),
	}
	return g, nil
}

// Start binds the listener and begins serving connections. It returns once
// the gateway is accepting; use Stop to shut down.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", g.config.Port))
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	g.listener = ln

	g.mux.HandleFunc("/auricle", g.handleWebSocket)
	g.httpServer = &http.Server{Handler: g.mux}

	log.Printf("Control gateway listening on %s", ln.Addr())

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.httpServer.Serve(ln); err != http.ErrServerClosed {
			log.Printf("Warning: control gateway serve error: %v", err)
		}
	}()
	return nil
}

// Addr reports the bound listen address after Start.
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Stop closes every session and shuts the HTTP server down. Safe to call
// more than once.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		log.Printf("Control gateway shutting down...")

		g.shutdownMu.Lock()
		g.isShutdown = true
		g.shutdownMu.Unlock()

		// Closing the connections unblocks the per-session read loops so
		// the handler goroutines can drain before Shutdown's deadline.
		g.sessionsMu.RLock()
		sessions := make([]*session, 0, len(g.sessions))
		for _, s := range g.sessions {
			sessions = append(sessions, s)
		}
		g.sessionsMu.RUnlock()
		for _, s := range sessions {
			s.conn.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.httpServer.Shutdown(ctx); err != nil {
			log.Printf("Warning: control gateway shutdown error: %v", err)
		}

		g.wg.Wait()
		log.Printf("Control gateway stopped")
	})
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	log.Printf("New control connection from %s", r.RemoteAddr)
	g.handleConnection(conn)
}

func (g *Gateway) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	g.shutdownMu.RLock()
	if g.isShutdown {
		g.shutdownMu.RUnlock()
		log.Printf("Rejecting connection during shutdown")
		return
	}
	g.shutdownMu.RUnlock()

	hello, err := readHello(conn)
	if err != nil {
		log.Printf("Warning: handshake failed: %v", err)
		return
	}

	s := newSession(g, conn, hello)

	g.sessionsMu.Lock()
	if _, exists := g.sessions[s.id]; exists {
		g.sessionsMu.Unlock()
		log.Printf("Client ID %s already connected, rejecting duplicate", s.id)
		return
	}
	g.sessions[s.id] = s
	g.sessionsMu.Unlock()

	defer func() {
		g.removeSession(s)
		log.Printf("Client disconnected: %s", s.name)
	}()

	log.Printf("Client hello: %s (ID: %s)", s.name, s.id)
	s.send(protocol.MsgServerHello, protocol.ServerHello{
		ServerID:     g.serverID,
		Name:         g.config.Name,
		Version:      protocol.Version,
		Product:      version.Product,
		Manufacturer: version.Manufacturer,
	})

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		s.writer()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			s.handleBinary(data)
		} else if messageType == websocket.TextMessage {
			s.handleMessage(data)
		}
	}
}

// readHello reads and validates the opening client/hello.
func readHello(conn *websocket.Conn) (protocol.ClientHello, error) {
	var hello protocol.ClientHello

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	msgType, payload, err := readMessage(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return hello, err
	}
	if msgType != protocol.MsgClientHello {
		return hello, fmt.Errorf("expected %s, got %s", protocol.MsgClientHello, msgType)
	}
	if err := unmarshalPayload(payload, &hello); err != nil {
		return hello, err
	}
	if hello.ClientID == "" || hello.Name == "" {
		return hello, fmt.Errorf("client/hello missing required fields")
	}
	if hello.Version != protocol.Version {
		return hello, fmt.Errorf("unsupported protocol version %d", hello.Version)
	}
	return hello, nil
}

func (g *Gateway) removeSession(s *session) {
	g.sessionsMu.Lock()
	if g.sessions[s.id] == s {
		delete(g.sessions, s.id)
	}
	g.sessionsMu.Unlock()
	s.teardown()
}

// statusUpdate assembles the wire status, attributing streams back to the
// sessions that own them.
func (g *Gateway) statusUpdate() protocol.StatusUpdate {
	type owner struct {
		client   string
		streamID uint32
	}
	owners := make(map[string]owner)
	g.sessionsMu.RLock()
	for _, s := range g.sessions {
		s.mu.Lock()
		for id, r := range s.renderers {
			owners[r.Name()] = owner{client: s.name, streamID: id}
		}
		for id, c := range s.capturers {
			owners[c.Name()] = owner{client: s.name, streamID: id}
		}
		s.mu.Unlock()
	}
	g.sessionsMu.RUnlock()

	st := g.svc.Status()
	update := protocol.StatusUpdate{
		ServerName: st.Name,
		Devices:    make([]protocol.DeviceStatus, 0, len(st.Devices)),
		Streams:    make([]protocol.StreamStatus, 0, len(st.Streams)),
		Counters: protocol.Counters{
			Underflows:       st.Counters.Underflows,
			Overflows:        st.Counters.Overflows,
			MixJobs:          st.Counters.MixJobs,
			FramesMixed:      st.Counters.FramesMixed,
			PacketsCompleted: st.Counters.PacketsCompleted,
			SessionsStarted:  st.Counters.SessionsStarted,
			SessionsStopped:  st.Counters.SessionsStopped,
			DevicesAdded:     st.Counters.DevicesAdded,
			DevicesRemoved:   st.Counters.DevicesRemoved,
		},
	}
	for _, d := range st.Devices {
		update.Devices = append(update.Devices, protocol.DeviceStatus{
			Name:        d.Name,
			IsInput:     d.IsInput,
			State:       d.State,
			Plugged:     d.Plugged,
			ClockDomain: d.ClockDomain,
			RatePPM:     d.RatePPM,
			Format:      protocol.FormatSpecFor(d.Format),
			Underflows:  d.Underflows,
			Links:       d.Links,
		})
	}
	for _, str := range st.Streams {
		ws := protocol.StreamStatus{
			Client:     str.Name,
			Kind:       str.Kind,
			Usage:      str.Usage,
			State:      str.State,
			Device:     str.Device,
			GainDb:     str.GainDb,
			Muted:      str.Muted,
			Depth:      str.Depth,
			LeadTimeNs: int64(str.LeadTime),
		}
		if o, ok := owners[str.Name]; ok {
			ws.Client = o.client
			ws.StreamID = o.streamID
		}
		if str.Format.Validate() == nil {
			ws.Format = protocol.FormatSpecFor(str.Format)
		}
		update.Streams = append(update.Streams, ws)
	}
	return update
}
