package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/go-go-golems/relayd/pkg/auth"
	"github.com/go-go-golems/relayd/pkg/connection"
)

const (
	wsReadLimit     = 1 << 20
	wsWriteWait     = 10 * time.Second
	wsSendQueueSize = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		// Bearer auth is the access control; origin checks belong to the
		// deployment's reverse proxy.
		return true
	},
}

// wsSink queues outbound frames for the write pump. A full queue counts as a
// closed transport so callers divert to the mailbox instead of blocking a
// stream goroutine on a slow reader.
type wsSink struct {
	send chan []byte

	once sync.Once
	done chan struct{}
}

func newWSSink() *wsSink {
	return &wsSink{
		send: make(chan []byte, wsSendQueueSize),
		done: make(chan struct{}),
	}
}

func (s *wsSink) Write(payload []byte) error {
	select {
	case <-s.done:
		return errors.New("websocket sink closed")
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return errors.New("websocket sink closed")
	default:
		return errors.New("websocket send queue full")
	}
}

func (s *wsSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// HandleWS upgrades the request and runs the connection's read loop until
// the client goes away.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	id, err := g.authn.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sink := newWSSink()
	connID := uuid.NewString()
	conn, err := g.attach(connID, id, connection.TransportWebSocket, sink)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", id.UserID).Msg("websocket attach rejected")
		_ = ws.Close()
		return
	}

	go g.wsWriteLoop(ws, sink)
	g.wsReadLoop(ws, conn)
	g.reg.Unregister(connID, connection.CloseByClient)
}

func (g *Gateway) wsReadLoop(ws *websocket.Conn, conn *connection.Conn) {
	ws.SetReadLimit(wsReadLimit)
	readWait := time.Duration(g.cfg.MissedHeartbeatsThreshold+1) * g.cfg.HeartbeatInterval
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		g.reg.Touch(conn.ID)
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		g.Dispatch(conn, data)
	}
}

func (g *Gateway) wsWriteLoop(ws *websocket.Conn, sink *wsSink) {
	pingTicker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer pingTicker.Stop()
	defer func() { _ = ws.Close() }()

	for {
		select {
		case payload := <-sink.send:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				_ = sink.Close()
				return
			}
		case <-pingTicker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = sink.Close()
				return
			}
		case <-sink.done:
			return
		}
	}
}
