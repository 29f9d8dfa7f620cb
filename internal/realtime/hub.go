package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"stockworks/internal/game"
)

const (
	writeWait   = 5 * time.Second
	pongWait    = 60 * time.Second
	pingEvery   = 45 * time.Second
	sendBacklog = 64
)

// Hub fans committed game events out to websocket subscribers of that game.
// Publish never blocks: a subscriber whose backlog is full misses the event.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}

	dropped atomic.Uint64
}

type subscriber struct {
	playerID string
	out      chan []byte
}

func NewHub(logger *slog.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Hub{
		log:  logger,
		subs: make(map[string]map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowed) == 0 || allowed[origin]
			},
		},
	}
}

func (h *Hub) Publish(gameID string, ev game.Event) {
	h.mu.RLock()
	set := h.subs[gameID]
	if len(set) == 0 {
		h.mu.RUnlock()
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		h.mu.RUnlock()
		h.log.Error("encode event", "game_id", gameID, "kind", ev.Kind, "err", err)
		return
	}
	for s := range set {
		select {
		case s.out <- b:
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.RUnlock()
}

// Subscribe registers an in-process listener for gameID. The returned cancel
// func unregisters it and closes the channel.
func (h *Hub) Subscribe(gameID, playerID string) (<-chan []byte, func()) {
	s := &subscriber{playerID: playerID, out: make(chan []byte, sendBacklog)}
	h.mu.Lock()
	set, ok := h.subs[gameID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[gameID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[gameID], s)
			if len(h.subs[gameID]) == 0 {
				delete(h.subs, gameID)
			}
			h.mu.Unlock()
			close(s.out)
		})
	}
}

func (h *Hub) Subscribers(gameID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[gameID])
}

// Dropped counts events skipped because a subscriber fell behind.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// ServeWS upgrades the request and streams gameID's events until the client
// goes away. Incoming messages are read only to notice closes and pongs.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, gameID, playerID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "game_id", gameID, "err", err)
		return
	}
	defer conn.Close()

	out, cancel := h.Subscribe(gameID, playerID)
	defer cancel()
	h.log.Info("subscriber joined", "game_id", gameID, "player_id", playerID)

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	writeErr := make(chan error, 1)
	go func() {
		ping := time.NewTicker(pingEvery)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				writeErr <- ctx.Err()
				return
			case b, ok := <-out:
				if !ok {
					writeErr <- nil
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					writeErr <- err
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	stop()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	select {
	case <-writeErr:
	case <-time.After(500 * time.Millisecond):
	}
	h.log.Info("subscriber left", "game_id", gameID, "player_id", playerID)
}
