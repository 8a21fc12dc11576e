package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/botgate/botgate-server/cache"
	"github.com/botgate/botgate-server/config"
	"github.com/botgate/botgate-server/dispatch"
	"github.com/botgate/botgate-server/querylog"
	"github.com/botgate/botgate-server/session"
	"github.com/botgate/botgate-server/stats"
	"github.com/botgate/botgate-server/tokenpool"
	"github.com/botgate/botgate-server/upstream"
	"github.com/botgate/botgate-server/ws"
)

const cacheSweepInterval = 5 * time.Minute

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	flags := LoadFlags()

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		slog.Error("failed to load config", "path", flags.ConfigPath, "err", err)
		os.Exit(1)
	}
	addr := cfg.Listen
	if flags.ListenAddr != "" {
		addr = flags.ListenAddr
	}

	var queryLog *querylog.Logger
	if cfg.QueryLog.Enabled {
		queryLog, err = querylog.Open(cfg.QueryLog.Path)
		if err != nil {
			slog.Error("failed to open query log", "path", cfg.QueryLog.Path, "err", err)
			os.Exit(1)
		}
		defer queryLog.Close()
	}

	creds := make([]tokenpool.CredentialConfig, len(cfg.Credentials))
	for i, c := range cfg.Credentials {
		creds[i] = tokenpool.CredentialConfig{Key: c.Key, Secret: c.Secret, MaxConcurrent: c.MaxConcurrent}
	}
	pool, err := tokenpool.New(creds)
	if err != nil {
		slog.Error("invalid credential config", "err", err)
		os.Exit(1)
	}

	responses := cache.New(cfg.Cache.MaxSize, cfg.Cache.TTL.Duration)
	sessions := session.NewRegistry()

	st := stats.New(prometheus.DefaultRegisterer)
	st.CacheSize = responses.Size
	st.CacheHitRate = responses.HitRate
	st.ActiveSessions = sessions.Len

	completer := upstream.NewOpenAICompleter(cfg.UpstreamBaseURL)
	dispatcher := dispatch.New(responses, sessions, pool, st, completer,
		cfg.Bots, cfg.Dispatch.AcquireTimeout.Duration, cfg.Cache.StreamHits)

	hub := ws.NewHub(cfg, sessions, dispatcher, st, queryLog)
	go hub.Run()

	ctx := context.Background()
	go sessions.RunSweeper(ctx, cfg.Sessions.SweepInterval.Duration, cfg.Sessions.MaxIdle.Duration, hub.CloseSessions)
	go func() {
		ticker := time.NewTicker(cacheSweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			if n := responses.Sweep(); n > 0 {
				slog.Info("cache sweep", "expired", n)
			}
		}
	}()

	router := chi.NewRouter()

	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade failed", "err", err)
			return
		}
		sessionID := r.URL.Query().Get("user_id")
		if sessionID == "" {
			sessionID = "user_" + uuid.NewString()
		}
		client := ws.NewClient(hub, conn, sessionID, remoteAddr(r))
		hub.Register(client)
		go client.WritePump()
		go client.ReadPump()
	})

	router.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st.Snapshot())
	})

	router.Get("/bots", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cfg.Bots)
	})

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	router.Handle("/metrics", promhttp.Handler())

	slog.Info("botgate-server starting", "addr", addr, "bots", len(cfg.Bots), "credentials", len(cfg.Credentials))
	if err := http.ListenAndServe(addr, router); err != nil {
		slog.Error("server failed", "err", err)
		os.Exit(1)
	}
}

// remoteAddr prefers the first X-Forwarded-For hop so the query log records
// the real client behind a proxy.
func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return r.RemoteAddr
}
