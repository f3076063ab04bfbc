package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/toolalign/internal/events"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// Events queued per client before the bus starts dropping for it
	clientBuffer = 64
	// Recent events replayed to a client right after it connects
	replayCount = 20
)

// EventStream upgrades /ws requests and forwards bus events to the
// client: JSON text messages for events, binary messages for JPEG frames.
type EventStream struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewEventStream accepts connections without an Origin header, from the
// serving host, or from one of origins.
func NewEventStream(bus *events.Bus, origins []string) *EventStream {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &EventStream{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				return err == nil && u.Host == r.Host
			},
		},
		logger: zap.L().Named("api.ws"),
	}
}

func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	s.logger.Info("Websocket client connected", zap.String("remote", r.RemoteAddr))

	sub := s.bus.Subscribe(clientBuffer)
	done := make(chan struct{})
	go s.readLoop(conn, done)
	s.writeLoop(conn, sub, done)

	sub.Close()
	conn.Close()
	s.logger.Info("Websocket client disconnected", zap.String("remote", r.RemoteAddr))
}

// readLoop discards client messages and keeps the read deadline moving on
// pongs. It closes done when the connection fails.
func (s *EventStream) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *EventStream) writeLoop(conn *websocket.Conn, sub *events.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for _, e := range s.bus.Recent(replayCount) {
		if err := s.send(conn, e); err != nil {
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case e, ok := <-sub.C:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.send(conn, e); err != nil {
				s.logger.Debug("Websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *EventStream) send(conn *websocket.Conn, e events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if e.Type == events.TypeFrame {
		return conn.WriteMessage(websocket.BinaryMessage, e.Frame)
	}
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("Dropping unencodable event", zap.String("type", string(e.Type)), zap.Error(err))
		return nil
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
