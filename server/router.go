package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lab1702/seabattle-server/game"
	"github.com/lab1702/seabattle-server/store"
)

// Router terminates the HTTP surface: the websocket entry points that
// hand sockets to the phase managers, plus the health probe.
type Router struct {
	logger   *zap.Logger
	store    store.Store
	managers map[game.Phase]*Manager
	upgrader websocket.Upgrader
	origins  []string
	mux      *http.ServeMux
}

// NewRouter builds the HTTP handler over the given managers. origins
// lists extra allowed websocket origins besides same-host and
// localhost.
func NewRouter(logger *zap.Logger, st store.Store, origins []string, managers ...*Manager) *Router {
	rt := &Router{
		logger:   logger.Named("router"),
		store:    st,
		managers: make(map[game.Phase]*Manager, len(managers)),
		origins:  origins,
		mux:      http.NewServeMux(),
	}
	for _, m := range managers {
		rt.managers[m.Phase()] = m
	}
	rt.upgrader = websocket.Upgrader{
		CheckOrigin:       rt.isValidOrigin,
		EnableCompression: true,
	}
	rt.mux.HandleFunc("GET /ws/{match}/placement", rt.serveWS(game.PhasePlacement))
	rt.mux.HandleFunc("GET /ws/{match}/battle", rt.serveWS(game.PhaseBattle))
	rt.mux.HandleFunc("GET /health", rt.serveHealth)
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

func (rt *Router) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// serveWS resolves the match, player and link behind one websocket
// request, upgrades it, and hands the socket to the endpoint's
// manager. The manager re-checks the match phase after the upgrade.
func (rt *Router) serveWS(phase game.Phase) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		matchID, err := uuid.Parse(r.PathValue("match"))
		if err != nil {
			http.Error(w, "match not found", http.StatusNotFound)
			return
		}
		playerID, err := uuid.Parse(r.URL.Query().Get("player"))
		if err != nil {
			http.Error(w, "player not found", http.StatusNotFound)
			return
		}

		ctx := r.Context()
		match, err := rt.store.GetMatch(ctx, matchID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "match not found", http.StatusNotFound)
				return
			}
			rt.logger.Error("load match", zap.Stringer("match", matchID), zap.Error(err))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if _, err := rt.store.GetPlayer(ctx, playerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "player not found", http.StatusNotFound)
				return
			}
			rt.logger.Error("load player", zap.Stringer("player", playerID), zap.Error(err))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		link, err := rt.store.GetLink(ctx, matchID, playerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "player not registered for this match", http.StatusForbidden)
				return
			}
			rt.logger.Error("load link", zap.Stringer("match", matchID),
				zap.Stringer("player", playerID), zap.Error(err))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		mgr := rt.managers[phase]
		if mgr == nil {
			http.Error(w, "match not found", http.StatusNotFound)
			return
		}

		sock, err := rt.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote its own HTTP error response.
			rt.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		mgr.HandleSocket(sock, match, link)
	}
}

// isValidOrigin accepts same-origin requests, localhost for local
// development, and anything in the configured allowlist. Non-browser
// clients without an Origin header pass.
func (rt *Router) isValidOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		rt.logger.Warn("invalid websocket origin", zap.String("origin", origin))
		return false
	}

	if r.Host == originURL.Host {
		return true
	}

	if strings.HasPrefix(originURL.Host, "localhost:") ||
		strings.HasPrefix(originURL.Host, "127.0.0.1:") ||
		originURL.Host == "localhost" ||
		originURL.Host == "127.0.0.1" {
		return true
	}

	for _, allowed := range rt.origins {
		if origin == allowed {
			return true
		}
	}

	rt.logger.Warn("rejected websocket origin", zap.String("origin", origin))
	return false
}
