package controller

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/swipearr/server/internal/domain"
	"github.com/swipearr/server/internal/session"
	"github.com/swipearr/server/pkg/wsrouter"
)

type LoginInput struct {
	Name         string `json:"name" validate:"required,min=1,max=32"`
	RoomCode     string `json:"roomCode" validate:"omitempty,min=2,max=12"`
	SharedSecret string `json:"sharedSecret"`
}

type LoginResponse struct {
	Success  bool                `json:"success"`
	RoomCode string              `json:"roomCode,omitempty"`
	Matches  []*domain.Match     `json:"matches,omitempty"`
	Movies   []*domain.MediaItem `json:"movies,omitempty"`
	Rated    []string            `json:"rated,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// ServeWS upgrades the connection and performs the login handshake: the first
// message must be a login envelope. A failed login is answered with
// success:false and the socket closed; a successful one binds the connection
// to its room session and enters the message loop.
func (c *controller) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WarnContext(ctx, "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	wc := newSyncedConn(conn)

	input, err := c.readLogin(conn)
	if err != nil {
		c.logger.WarnContext(ctx, "login handshake failed", "error", err)
		return
	}

	if reason := c.checkLogin(input); reason != "" {
		c.logger.InfoContext(ctx, "login rejected", "name", input.Name, "room", input.RoomCode, "reason", reason)
		wc.WriteJSON(&session.Message{Type: "loginResponse", Payload: &LoginResponse{Success: false, Error: reason}})
		return
	}

	code := input.RoomCode
	if code == "" {
		code = c.codegen.GenerateRandomString(c.cfg.RoomCodeLength)
	}

	sess := c.registry.GetOrCreate(code)
	if err := sess.Add(input.Name, wc); err != nil {
		wc.WriteJSON(&session.Message{Type: "loginResponse", Payload: &LoginResponse{Success: false, Error: "name already active in room"}})
		return
	}
	defer sess.Remove(input.Name)

	wc.WriteJSON(&session.Message{Type: "loginResponse", Payload: &LoginResponse{
		Success:  true,
		RoomCode: code,
		Matches:  sess.Matches(input.Name),
		Movies:   sess.RatedMovies(input.Name),
		Rated:    sess.Rated(input.Name),
	}})

	if err := c.wsMux(sess, input.Name, wc).ServeConn(ctx, conn); err != nil {
		c.logger.DebugContext(ctx, "connection closed", "name", input.Name, "room", code, "error", err)
	}
}

func (c *controller) readLogin(conn *websocket.Conn) (*LoginInput, error) {
	var envelope struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&envelope); err != nil {
		return nil, err
	}
	if envelope.Type != "login" {
		return nil, errFirstMessageNotLogin
	}
	var input LoginInput
	if err := json.Unmarshal(envelope.Payload, &input); err != nil {
		return nil, err
	}
	if validationErrors, ok := c.validate.Validate(&input); !ok {
		return nil, validationError(validationErrors)
	}
	return &input, nil
}

// checkLogin returns a rejection reason, or empty when the login may proceed.
func (c *controller) checkLogin(input *LoginInput) string {
	if c.cfg.Secret != "" && subtle.ConstantTimeCompare([]byte(input.SharedSecret), []byte(c.cfg.Secret)) != 1 {
		return "invalid shared secret"
	}
	if input.RoomCode != "" && c.registry.Active(input.RoomCode, input.Name) {
		return "name already active in room"
	}
	if c.availability != nil && !c.availability.Ready() {
		return "availability cache still warming, try again shortly"
	}
	return ""
}

func (c *controller) wsMux(sess *session.Session, name string, wc *syncedConn) *wsrouter.Router {
	mux := wsrouter.New(c.logger)
	mux.Handle("nextBatch", c.handleNextBatch(sess, wc))
	mux.Handle("response", c.handleResponse(sess, name, wc))
	mux.Handle("requestMovie", c.handleRequestMovie(sess, wc))
	return mux
}

type NextBatchInput struct {
	Filters *domain.Filters `json:"filters"`
}

func (c *controller) handleNextBatch(sess *session.Session, wc *syncedConn) wsrouter.HandlerFunc {
	return func(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
		var input NextBatchInput
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &input); err != nil {
				return c.writeError(wc, "invalid nextBatch payload")
			}
		}
		if input.Filters != nil {
			if validationErrors, ok := c.validate.Validate(input.Filters); !ok {
				return c.writeError(wc, validationError(validationErrors).Error())
			}
		}
		return sess.SendNextBatch(ctx, input.Filters)
	}
}

type ResponseInput struct {
	Guid         string `json:"guid" validate:"required"`
	WantsToWatch *bool  `json:"wantsToWatch"`
}

func (c *controller) handleResponse(sess *session.Session, name string, wc *syncedConn) wsrouter.HandlerFunc {
	return func(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
		var input ResponseInput
		if err := json.Unmarshal(payload, &input); err != nil {
			return c.writeError(wc, "invalid response payload")
		}
		if validationErrors, ok := c.validate.Validate(&input); !ok {
			return c.writeError(wc, validationError(validationErrors).Error())
		}
		return sess.HandleResponse(name, input.Guid, input.WantsToWatch)
	}
}

type RequestMovieInput struct {
	Guid string `json:"guid" validate:"required"`
}

func (c *controller) handleRequestMovie(sess *session.Session, wc *syncedConn) wsrouter.HandlerFunc {
	return func(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error {
		var input RequestMovieInput
		if err := json.Unmarshal(payload, &input); err != nil {
			return c.writeError(wc, "invalid requestMovie payload")
		}
		success, message, err := sess.RequestMovie(ctx, input.Guid)
		if err != nil {
			c.logger.WarnContext(ctx, "movie request failed", "guid", input.Guid, "error", err)
			success, message = false, "request failed"
		}
		return wc.WriteJSON(&session.Message{Type: "requestMovieResponse", Payload: map[string]any{
			"success": success,
			"message": message,
		}})
	}
}

func (c *controller) writeError(wc *syncedConn, message string) error {
	return wc.WriteJSON(&session.Message{Type: "error", Payload: map[string]string{"message": message}})
}
