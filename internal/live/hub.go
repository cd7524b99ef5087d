// Package live publica por websocket lo que decodifica el colector, para
// seguir uno o todos los equipos en tiempo real.
package live

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"avl-collector/internal/observability"
	"avl-collector/internal/pipeline"
	"avl-collector/internal/terminal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const writeWait = 2 * time.Second

// Event es cada mensaje enviado a los clientes.
type Event struct {
	Type     string                   `json:"type"` // "session" | "tracking"
	IMEI     string                   `json:"imei"`
	Success  *bool                    `json:"success,omitempty"`
	Records  int                      `json:"records,omitempty"`
	Errors   []string                 `json:"errors,omitempty"`
	Tracking *pipeline.TrackingObject `json:"tracking,omitempty"`
}

type client struct {
	imei string // filtro; vacío = todos
}

// Hub mantiene los clientes websocket conectados a /live. ?imei=<imei> filtra
// los eventos de un solo equipo.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]client
	wmu     sync.Mutex
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger.With("component", "live"),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]client),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.clients[c] = client{imei: r.URL.Query().Get("imei")}
	n := len(h.clients)
	h.mu.Unlock()
	observability.LiveClients.Inc()
	h.logger.Debug("live client connected", "remote", r.RemoteAddr, "clients", n)

	// lecturas sólo para detectar el cierre del cliente
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	observability.LiveClients.Dec()
	_ = c.Close()
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast envía ev a los clientes cuyo filtro coincide.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("live: marshal failed", "err", err)
		return
	}
	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.clients))
	for c, cl := range h.clients {
		if cl.imei == "" || cl.imei == ev.IMEI {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.wmu.Lock()
	defer h.wmu.Unlock()
	for _, c := range targets {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("live: write failed", "err", err)
		}
	}
}

func (h *Hub) Name() string { return "live" }

// Deliver publica un evento de sesión y uno de tracking por registro.
func (h *Hub) Deliver(_ context.Context, res *terminal.Result) error {
	if h.Clients() == 0 {
		return nil
	}
	success := res.Success
	h.Broadcast(Event{
		Type:    "session",
		IMEI:    res.IMEI,
		Success: &success,
		Records: len(res.Records),
		Errors:  res.Errors,
	})
	for _, tr := range pipeline.FromResult(res) {
		h.Broadcast(Event{Type: "tracking", IMEI: res.IMEI, Tracking: tr})
	}
	return nil
}
