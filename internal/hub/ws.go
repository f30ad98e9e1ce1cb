package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"checklist/api/internal/event"
	"checklist/api/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 4096
	defaultOutbox  = 64
	closeFlushWait = time.Second
)

// Peer describes the caller behind a websocket connection.
type Peer struct {
	UserID    string
	ClientID  string
	Role      string
	Positions []string
}

// JoinAuthorizer decides whether peer may join group. A non-nil error is
// returned to the client in a failed ack and the join is not applied.
type JoinAuthorizer func(ctx context.Context, peer Peer, group string) error

// Server upgrades HTTP requests into hub connections.
type Server struct {
	hub        *Hub
	upgrader   websocket.Upgrader
	sendBuffer int
	authorize  JoinAuthorizer
	logger     *log.Logger
}

func NewServer(h *Hub, sendBuffer int, allowedOrigin string, logger *log.Logger) *Server {
	if sendBuffer <= 0 {
		sendBuffer = defaultOutbox
	}
	if logger == nil {
		logger = h.logger
	}
	return &Server{
		hub:        h,
		sendBuffer: sendBuffer,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigin),
		},
	}
}

// SetJoinAuthorizer installs the check run before every join. Without one
// any group may be joined.
func (s *Server) SetJoinAuthorizer(fn JoinAuthorizer) {
	s.authorize = fn
}

func originChecker(allowed string) func(r *http.Request) bool {
	allowed = strings.TrimSpace(allowed)
	return func(r *http.Request) bool {
		if allowed == "" || allowed == "*" {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || strings.EqualFold(origin, allowed)
	}
}

// ServeWS upgrades the request and blocks until the connection ends.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request, peer Peer) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	conn := newWSConn(util.NewID("conn"), ws, s.sendBuffer)
	s.hub.Register(conn)
	logger := s.logger.With("conn_id", conn.id, "user_id", peer.UserID, "client_id", peer.ClientID)
	logger.Info("websocket connected")

	go conn.writeLoop(logger)
	s.readLoop(r.Context(), conn, peer, logger)

	s.hub.Disconnect(conn.id)
	conn.close()
	logger.Info("websocket disconnected")
}

func (s *Server) readLoop(ctx context.Context, conn *wsConn, peer Peer, logger *log.Logger) {
	conn.ws.SetReadLimit(maxFrameBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame event.ClientFrame
		if err := conn.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", "err", err)
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(ctx, conn, peer, frame, logger)
	}
}

func (s *Server) handleFrame(ctx context.Context, conn *wsConn, peer Peer, frame event.ClientFrame, logger *log.Logger) {
	var reply event.ServerFrame
	switch frame.Type {
	case event.FrameJoin:
		err := s.join(ctx, conn, peer, frame.Group)
		if err == nil {
			logger.Debug("joined group", "group", frame.Group)
		} else {
			logger.Debug("join refused", "group", frame.Group, "err", err)
		}
		reply = event.AckFrame(frame.RequestID, err)
	case event.FrameLeave:
		s.hub.Leave(conn.id, frame.Group)
		reply = event.AckFrame(frame.RequestID, nil)
	case event.FramePing:
		reply = event.ServerFrame{Type: event.FramePong, RequestID: frame.RequestID}
	default:
		reply = event.AckFrame(frame.RequestID, errors.New("unknown frame type"))
	}

	encoded, err := json.Marshal(reply)
	if err != nil {
		logger.Error("encode reply frame", "err", err)
		return
	}
	if err := conn.Send(encoded); err != nil {
		logger.Warn("reply dropped", "type", reply.Type, "err", err)
	}
}

func (s *Server) join(ctx context.Context, conn *wsConn, peer Peer, group string) error {
	group = strings.TrimSpace(group)
	if group == "" {
		return ErrGroupRequired
	}
	if s.authorize != nil {
		if err := s.authorize(ctx, peer, group); err != nil {
			return err
		}
	}
	return s.hub.Join(conn.id, group)
}

// wsConn owns one websocket. Frames queue in a bounded outbox drained by a
// single writer goroutine.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	outbox chan []byte
	done   chan struct{}
	once   sync.Once
}

func newWSConn(id string, ws *websocket.Conn, buffer int) *wsConn {
	return &wsConn{
		id:     id,
		ws:     ws,
		outbox: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.outbox <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSlowConsumer
	}
}

func (c *wsConn) writeLoop(logger *log.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeFlushWait))
			return
		case frame := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

// close stops the writer and closes the socket, which also unblocks the
// read loop.
func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		go func() {
			time.Sleep(closeFlushWait)
			_ = c.ws.Close()
		}()
	})
}
