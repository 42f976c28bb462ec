package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/tripsync/internal/auth"
	"github.com/example/tripsync/internal/realtime"
)

// WebSocket upgrades authenticated requests into coordinator sessions.
type WebSocket struct {
	coord    *realtime.Coordinator
	upgrader websocket.Upgrader
	cfg      ClientConfig
	baseCtx  context.Context
	logger   *zap.Logger
}

// NewWebSocket builds the upgrade handler. Commands run under baseCtx, which should be
// cancelled only after the HTTP server has shut down.
func NewWebSocket(baseCtx context.Context, coord *realtime.Coordinator, allowedOrigins []string, cfg ClientConfig, logger *zap.Logger) *WebSocket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocket{
		coord: coord,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      originChecker(allowedOrigins),
		},
		cfg:     cfg.withDefaults(),
		baseCtx: baseCtx,
		logger:  logger,
	}
}

// ServeHTTP expects auth.Middleware to have run; the token subject becomes the actor id.
func (h *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok || claims.ActorID() == "" {
		http.Error(w, realtime.ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	logger := h.logger.With(zap.String("actor_id", claims.ActorID()))
	c := newClient(conn, h.coord, h.cfg, logger)
	session, err := h.coord.Connect(claims.ActorID(), c)
	if err != nil {
		logger.Warn("session rejected", zap.Error(err))
		c.close()
		return
	}
	c.session = session

	go c.writePump(h.cfg.PongWait * 9 / 10)
	go c.readPump(h.baseCtx)
}

// originChecker allows requests without an Origin header (native apps) and, when a list is
// configured, browser origins on it. "*" allows everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
