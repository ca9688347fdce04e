// Package chat carries the duplex websocket surface for streaming
// conversation turns.
package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/liliang-cn/graphdoc/internal/domain"
	"github.com/liliang-cn/graphdoc/internal/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Controller runs one streaming conversation per websocket connection.
// A connection is bound to a single session and processes one turn at a
// time; a cancel frame finalizes the turn in flight with its partial
// content preserved.
type Controller struct {
	sessions *service.SessionStore
	registry *service.Registry
	gateway  *service.Gateway
	logger   *zap.Logger
}

// NewController creates the websocket chat controller.
func NewController(sessions *service.SessionStore, registry *service.Registry, gateway *service.Gateway, logger *zap.Logger) *Controller {
	return &Controller{
		sessions: sessions,
		registry: registry,
		gateway:  gateway,
		logger:   logger,
	}
}

// conn is the per-connection state. Writes are serialized through mu;
// the reader goroutine and the turn goroutine both write frames.
type conn struct {
	ws        *websocket.Conn
	sessionID string

	mu sync.Mutex

	turnMu     sync.Mutex
	turnCancel context.CancelFunc
	turnDone   chan struct{}
}

func (c *conn) writeFrame(f domain.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(f)
}

// Handle upgrades the request and services the session's conversation
// until the client disconnects. An unknown session ID starts a fresh
// session under that ID, bound to the active knowledge base.
func (ctl *Controller) Handle(c *gin.Context) {
	sessionID := c.Param("session_id")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ctl.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	cn := &conn{ws: ws, sessionID: sessionID}

	if err := ctl.bindSession(c.Request.Context(), sessionID); err != nil {
		cn.writeFrame(domain.Frame{Type: domain.FrameError, Error: err.Error()})
		return
	}

	ctl.logger.Info("Chat connection opened", zap.String("session_id", sessionID))
	defer ctl.logger.Info("Chat connection closed", zap.String("session_id", sessionID))

	// Base context for turns: cancelled when the connection goes away so
	// an in-flight turn is abandoned rather than orphaned.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	for {
		var frame domain.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			ctl.cancelTurn(cn)
			ctl.waitTurn(cn)
			return
		}

		switch frame.Type {
		case domain.FrameUserMessage:
			ctl.startTurn(connCtx, cn, frame)
		case domain.FrameCancel:
			ctl.cancelTurn(cn)
		default:
			cn.writeFrame(domain.Frame{
				Type:  domain.FrameError,
				Error: "validation_error: unknown frame type " + frame.Type,
			})
		}
	}
}

// bindSession resolves the path session, creating it against the active
// knowledge base on first contact.
func (ctl *Controller) bindSession(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session id is required")
	}
	_, err := ctl.sessions.Peek(sessionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	kb, err := ctl.registry.Active(ctx)
	if err != nil {
		return err
	}
	_, err = ctl.sessions.Create(sessionID, kb.ID)
	return err
}

// startTurn begins processing a user message unless a turn is already
// in flight for this connection.
func (ctl *Controller) startTurn(connCtx context.Context, cn *conn, frame domain.Frame) {
	cn.turnMu.Lock()
	if cn.turnCancel != nil {
		cn.turnMu.Unlock()
		cn.writeFrame(domain.Frame{
			Type:  domain.FrameError,
			Error: "conflict: a turn is already in progress",
		})
		return
	}

	turnCtx, cancel := context.WithCancel(connCtx)
	done := make(chan struct{})
	cn.turnCancel = cancel
	cn.turnDone = done
	cn.turnMu.Unlock()

	go func() {
		defer func() {
			cancel()
			cn.turnMu.Lock()
			cn.turnCancel = nil
			cn.turnDone = nil
			cn.turnMu.Unlock()
			close(done)
		}()
		ctl.runTurn(turnCtx, cn, frame.Content, frame.Mode)
	}()
}

func (ctl *Controller) cancelTurn(cn *conn) {
	cn.turnMu.Lock()
	cancel := cn.turnCancel
	cn.turnMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (ctl *Controller) waitTurn(cn *conn) {
	cn.turnMu.Lock()
	done := cn.turnDone
	cn.turnMu.Unlock()
	if done != nil {
		<-done
	}
}

// runTurn drives one conversation turn: record the user message, stream
// the answer back frame by frame, then finalize the assistant message.
// Whatever ends the turn, the partial content is preserved in the
// transcript.
func (ctl *Controller) runTurn(ctx context.Context, cn *conn, content, mode string) {
	stream, err := ctl.gateway.Query(ctx, cn.sessionID, content, mode)
	if err != nil {
		cn.writeFrame(domain.Frame{Type: domain.FrameError, Error: err.Error()})
		return
	}

	if err := ctl.sessions.Append(&domain.Message{
		SessionID: cn.sessionID,
		Role:      domain.RoleUser,
		Content:   content,
	}); err != nil {
		cn.writeFrame(domain.Frame{Type: domain.FrameError, Error: err.Error()})
		return
	}

	var sb strings.Builder
	var sources []domain.Source
	var turnErr error
	finalized := false

	for chunk := range stream {
		switch {
		case chunk.Err != nil:
			turnErr = chunk.Err
		case chunk.Final:
			sources = chunk.Sources
			finalized = true
		default:
			sb.WriteString(chunk.Content)
			cn.writeFrame(domain.Frame{Type: domain.FrameChunk, Content: chunk.Content})
		}
	}

	cancelled := ctx.Err() != nil && !finalized && turnErr == nil

	assistant := &domain.Message{
		SessionID: cn.sessionID,
		Role:      domain.RoleAssistant,
		Content:   sb.String(),
		Sources:   sources,
		Cancelled: cancelled,
	}
	if turnErr != nil {
		assistant.Error = turnErr.Error()
	}
	if err := ctl.sessions.Append(assistant); err != nil {
		ctl.logger.Warn("Failed to record assistant message",
			zap.String("session_id", cn.sessionID), zap.Error(err))
	}

	switch {
	case turnErr != nil:
		cn.writeFrame(domain.Frame{
			Type:    domain.FrameError,
			Content: assistant.Content,
			Error:   turnErr.Error(),
		})
	default:
		cn.writeFrame(domain.Frame{
			Type:      domain.FrameFinal,
			Content:   assistant.Content,
			Sources:   sources,
			Cancelled: cancelled,
		})
	}
}
