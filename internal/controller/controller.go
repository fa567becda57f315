package controller

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/swipearr/server/internal/postercache"
	"github.com/swipearr/server/internal/provider"
	"github.com/swipearr/server/internal/session"
	"github.com/swipearr/server/pkg/randstr"
	"github.com/swipearr/server/pkg/validator"
)

type Config struct {
	Secret string
	// RoomCodeLength for server-generated codes on login without one.
	RoomCodeLength int
}

type controller struct {
	registry     *session.Registry
	availability provider.Availability
	posters      *postercache.Cache
	posterFetch  provider.PosterFetcher
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	validate     *validator.Validator
	codegen      *randstr.Generator
	cfg          Config
}

func NewController(
	registry *session.Registry,
	availability provider.Availability,
	posters *postercache.Cache,
	posterFetch provider.PosterFetcher,
	logger *slog.Logger,
	cfg Config,
) *controller {
	if cfg.RoomCodeLength <= 0 {
		cfg.RoomCodeLength = 4
	}
	return &controller{
		registry:     registry,
		availability: availability,
		posters:      posters,
		posterFetch:  posterFetch,
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		validate: validator.NewValidator(),
		codegen:  randstr.New([]byte("ABCDEFGHJKMNPQRSTUVWXYZ23456789")),
		cfg:      cfg,
	}
}
