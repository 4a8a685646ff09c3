package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/presence-hub/backend/internal/presence"
	"github.com/presence-hub/backend/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the web client's deploy origin is fixed.
		return true
	},
}

// Server accepts WebSocket connections and drives the presence handler's
// session lifecycle for each of them.
type Server struct {
	handler *presence.Handler
	logger  zerolog.Logger
}

func NewServer(handler *presence.Handler, logger zerolog.Logger) *Server {
	return &Server{handler: handler, logger: logger}
}

// HandleConnection upgrades the request and runs the session until the
// channel drops. The implicit connect carries clientName as a query
// parameter; a reconnect additionally carries the prior connectionId.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	ch := newChannel(conn)
	go ch.writePump()

	req := protocol.ConnectRequest{
		Transport:  "websocket",
		ClientName: r.URL.Query().Get("clientName"),
	}

	var sessID string
	if prior := r.URL.Query().Get("connectionId"); prior != "" {
		sess, err := s.handler.Reconnect(prior, ch, req)
		if err != nil {
			ch.Close()
			return err
		}
		sessID = sess.ID
	} else {
		sess, err := s.handler.Connect(ch, req)
		if err != nil {
			ch.Close()
			return err
		}
		sessID = sess.ID
	}

	go s.readPump(sessID, ch)
	return nil
}

// readPump reads operations off the wire until the connection drops, then
// reports the disconnect; the transport layer is authoritative for removal.
func (s *Server) readPump(sessID string, ch *channel) {
	defer func() {
		s.handler.Disconnect(sessID)
		ch.conn.Close()
	}()

	ch.conn.SetReadLimit(maxMessageSize)
	ch.conn.SetReadDeadline(time.Now().Add(pongWait))
	ch.conn.SetPongHandler(func(string) error {
		ch.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Str("connection_id", sessID).Err(err).Msg("websocket read error")
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Str("connection_id", sessID).Err(err).Msg("malformed message")
			continue
		}
		s.handler.HandleMessage(sessID, msg)
	}
}
