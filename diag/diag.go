// Package diag exposes a connection's statistics over HTTP: a small JSON
// API for snapshots and a WebSocket stream for live inspection.
package diag

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/msgnet/msgnet-go/conn"
)

// Registry enumerates the connections to inspect; the network host
// implements it.
type Registry interface {
	Connections() []conn.Connection
	Connection(id uuid.UUID) (conn.Connection, bool)
}

// Server is the diagnostics HTTP endpoint.
type Server struct {
	registry Registry

	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// connectionInfo is the JSON shape of one connection.
type connectionInfo struct {
	ID     string `json:"id"`
	Remote string `json:"remote"`
	State  string `json:"state"`

	RTTMillis    float64 `json:"rtt_ms"`
	RTTVarMillis float64 `json:"rttvar_ms"`
	Cwnd         float64 `json:"cwnd"`
	InFlight     int     `json:"in_flight"`
	PeerWindow   int     `json:"peer_window"`
	PacketsIn    uint64  `json:"packets_in"`
	PacketsOut   uint64  `json:"packets_out"`
	MessagesIn   uint64  `json:"messages_in"`
	MessagesOut  uint64  `json:"messages_out"`
	Resends      uint64  `json:"resends"`
	Malformed    uint64  `json:"malformed"`
	LossRate     float64 `json:"loss_rate"`
}

func describe(c conn.Connection) connectionInfo {
	stats := c.Stats()

	return connectionInfo{
		ID:     c.UUID().String(),
		Remote: c.RemoteAddr().String(),
		State:  c.State().String(),

		RTTMillis:    float64(stats.RTT) / float64(time.Millisecond),
		RTTVarMillis: float64(stats.RTTVar) / float64(time.Millisecond),
		Cwnd:         stats.Cwnd,
		InFlight:     stats.InFlight,
		PeerWindow:   stats.PeerWindow,
		PacketsIn:    stats.PacketsIn,
		PacketsOut:   stats.PacketsOut,
		MessagesIn:   stats.MessagesIn,
		MessagesOut:  stats.MessagesOut,
		Resends:      stats.Resends,
		Malformed:    stats.Malformed,
		LossRate:     stats.LossRate,
	}
}

// New starts a diagnostics server on the given address.
func New(address string, registry Registry) (*Server, error) {
	s := &Server{
		registry: registry,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{},
	}

	s.router.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
	s.router.HandleFunc("/connections/{id}", s.handleConnection).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebsocket)

	s.httpServer = &http.Server{
		Addr:    address,
		Handler: s.router,
	}

	startupErr := make(chan error)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupErr <- err
		}
		close(startupErr)
	}()

	select {
	case err := <-startupErr:
		if err != nil {
			return nil, err
		}
	case <-time.After(100 * time.Millisecond):
	}

	s.log().Info("Diagnostics server started")
	return s, nil
}

// Close shuts the diagnostics server down.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

func (s *Server) log() *log.Entry {
	return log.WithField("diag", s.httpServer.Addr)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	infos := make([]connectionInfo, 0)
	for _, c := range s.registry.Connections() {
		infos = append(infos, describe(c))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		s.log().WithError(err).Warn("Writing connection list errored")
	}
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "malformed connection id", http.StatusBadRequest)
		return
	}

	c, ok := s.registry.Connection(id)
	if !ok {
		http.Error(w, "no such connection", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(describe(c)); err != nil {
		s.log().WithError(err).Warn("Writing connection errored")
	}
}

// handleWebsocket streams the connection list once per second until the
// client hangs up.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().WithError(err).Warn("Upgrading to WebSocket errored")
		return
	}
	defer socket.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		infos := make([]connectionInfo, 0)
		for _, c := range s.registry.Connections() {
			infos = append(infos, describe(c))
		}

		if err := socket.WriteJSON(infos); err != nil {
			return
		}
	}
}
