package ws

import (
	"context"
	"net/http"
	"net/url"
	"slices"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Options struct {
	SendBuffer     int
	MaxFrameBytes  int64
	AllowedOrigins []string
}

// Server upgrades authenticated HTTP requests into Clients and drives their
// lifecycle through a FrameHandler.
type Server struct {
	handler  FrameHandler
	opts     Options
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewServer(handler FrameHandler, opts Options, log *zap.Logger) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 64 << 10
	}
	s := &Server{handler: handler, opts: opts, log: log}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin accepts same-host requests, requests without an Origin header
// and any origin listed in AllowedOrigins ("*" allows all).
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.opts.AllowedOrigins, "*") || slices.Contains(s.opts.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// ServeWs handles websocket requests from an authenticated peer. It blocks
// until the connection is closed.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// The connection outlives request cancellation until its read loop ends.
	ctx := context.WithoutCancel(r.Context())

	client := newClient(conn, userID, s.opts.SendBuffer, s.log)
	s.handler.Connected(ctx, client)

	go client.writePump()
	client.readPump(ctx, s.handler, s.opts.MaxFrameBytes)

	s.handler.Disconnected(ctx, client)
	client.close()
}
