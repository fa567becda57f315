package wsrouter

import (
	"context"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type HandlerFunc func(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error

// Router dispatches {type, payload} JSON envelopes read from a websocket
// connection to registered handlers. Malformed messages and handler errors
// are logged with the offending payload and the connection stays open;
// only a read failure ends the loop.
type Router struct {
	routes map[string]HandlerFunc
	logger *slog.Logger
}

func New(logger *slog.Logger) *Router {
	return &Router{routes: make(map[string]HandlerFunc), logger: logger}
}

func (r *Router) Handle(messageType string, handler HandlerFunc) {
	r.routes[messageType] = handler
}

func (r *Router) ServeConn(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			r.logger.WarnContext(ctx, "malformed message", "raw", string(raw), "error", err)
			continue
		}

		handler, exists := r.routes[msg.Type]
		if !exists {
			r.logger.WarnContext(ctx, "unknown message type", "type", msg.Type, "raw", string(raw))
			continue
		}
		if err := handler(ctx, conn, msg.Payload); err != nil {
			r.logger.ErrorContext(ctx, "handler failed", "type", msg.Type, "error", err)
		}
	}
}
