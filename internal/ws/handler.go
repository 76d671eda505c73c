// Package ws exposes the realtime control channel: clients drive block
// execution over a websocket and receive isolate events as they happen.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/symposium-app/backend/internal/domain/blocks"
	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/infrastructure/monitoring"
	"github.com/symposium-app/backend/internal/shared/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20
)

// ClientMessage is one request from a connected client.
type ClientMessage struct {
	Type     string            `json:"type"`
	BlockID  string            `json:"block_id,omitempty"`
	Code     *types.Code       `json:"code,omitempty"`
	Updates  map[string]string `json:"updates,omitempty"`
	TargetID string            `json:"target_version_id,omitempty"`
	Level    string            `json:"level,omitempty"`
	Change   string            `json:"change_type,omitempty"`
	Author   string            `json:"author,omitempty"`
}

// ServerMessage is one frame sent to a client.
type ServerMessage struct {
	Type      string                 `json:"type"`
	BlockID   string                 `json:"block_id,omitempty"`
	Result    *types.ExecutionResult `json:"result,omitempty"`
	Version   *types.Version         `json:"version,omitempty"`
	Versions  []types.Version        `json:"versions,omitempty"`
	CurrentID string                 `json:"current_version_id,omitempty"`
	CanRedo   bool                   `json:"can_redo,omitempty"`
	Event     *types.IsolateMessage  `json:"event,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Handler upgrades and serves websocket sessions.
type Handler struct {
	svc      *blocks.Service
	metrics  *monitoring.Metrics
	log      *logging.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket handler.
func NewHandler(svc *blocks.Service, metrics *monitoring.Metrics, log *logging.Logger) *Handler {
	return &Handler{
		svc:     svc,
		metrics: metrics,
		log:     log.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Serve handles one websocket session.
func (h *Handler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
		defer h.metrics.WSConnections.Dec()
	}

	session := &session{
		conn: conn,
		h:    h,
		out:  make(chan ServerMessage, 256),
		done: make(chan struct{}),
	}
	session.serve(c.Request.Context())
}

// session is one connected client. All writes go through the out channel
// so exactly one goroutine touches the connection's write side.
type session struct {
	conn *websocket.Conn
	h    *Handler
	out  chan ServerMessage
	done chan struct{}
}

func (s *session) serve(ctx context.Context) {
	events, unsubscribe := s.h.svc.Subscribe()
	defer unsubscribe()

	go s.writeLoop()
	go s.forwardEvents(events)

	s.readLoop(ctx)
	close(s.done)
	s.conn.Close()
}

func (s *session) send(msg ServerMessage) {
	select {
	case s.out <- msg:
	case <-s.done:
	default:
		// Slow consumer: drop rather than stall execution.
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
			if s.h.metrics != nil {
				s.h.metrics.WSMessages.WithLabelValues("out").Inc()
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) forwardEvents(events <-chan blocks.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := ev.Message
			s.send(ServerMessage{Type: "event", BlockID: ev.BlockID, Event: &msg})
		case <-s.done:
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.h.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if s.h.metrics != nil {
			s.h.metrics.WSMessages.WithLabelValues("in").Inc()
		}

		if msg.Type == "ping" {
			s.send(ServerMessage{Type: "pong"})
			continue
		}
		if msg.BlockID == "" {
			s.send(ServerMessage{Type: "error", Error: "block_id required"})
			continue
		}

		// Block operations run off the read loop so a long execution
		// never blocks subsequent frames.
		go s.handle(ctx, msg)
	}
}

func (s *session) handle(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case "execute":
		if msg.Code == nil {
			s.send(ServerMessage{Type: "error", BlockID: msg.BlockID, Error: "code required"})
			return
		}
		res, err := s.h.svc.Execute(ctx, msg.BlockID, *msg.Code, types.ChangeType(msg.Change), msg.Author)
		s.reply(msg.BlockID, "result", nil, res, err)

	case "update":
		res, err := s.h.svc.Update(ctx, msg.BlockID, msg.Updates, msg.Author)
		s.reply(msg.BlockID, "result", nil, res, err)

	case "undo":
		v, res, err := s.h.svc.Undo(ctx, msg.BlockID, msg.TargetID)
		s.reply(msg.BlockID, "undo_result", v, res, err)

	case "redo":
		v, res, err := s.h.svc.Redo(ctx, msg.BlockID)
		s.reply(msg.BlockID, "redo_result", v, res, err)

	case "set_permission":
		err := s.h.svc.SetPermission(msg.BlockID, types.PermissionLevel(msg.Level))
		s.reply(msg.BlockID, "permission_set", nil, nil, err)

	case "get_versions":
		versions, currentID, canRedo := s.h.svc.Versions(msg.BlockID)
		s.send(ServerMessage{
			Type:      "versions",
			BlockID:   msg.BlockID,
			Versions:  versions,
			CurrentID: currentID,
			CanRedo:   canRedo,
		})

	default:
		s.send(ServerMessage{Type: "error", BlockID: msg.BlockID, Error: "unknown message type " + msg.Type})
	}
}

func (s *session) reply(blockID, kind string, v *types.Version, res *types.ExecutionResult, err error) {
	out := ServerMessage{Type: kind, BlockID: blockID, Version: v, Result: res}
	if err != nil {
		out.Type = "error"
		out.Error = err.Error()
	}
	s.send(out)
}
