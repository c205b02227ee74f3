package net

import (
	"encoding/json"
	nethttp "net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"stardrift/server/internal/net/ws"
	"stardrift/server/internal/observability"
	"stardrift/server/internal/sim"
	"stardrift/server/internal/telemetry"
)

// HTTPHandlerConfig wires the HTTP surface to the running engine.
type HTTPHandlerConfig struct {
	Engine        *sim.Engine
	Loop          *sim.Loop
	Logger        telemetry.Logger
	Observability observability.Config
	// Spawn picks join positions for new players; nil spawns at the origin.
	Spawn func() (float64, float64)
}

// NewHTTPHandler builds the server mux: websocket intake, health, stats, and
// the optional pprof surface.
func NewHTTPHandler(cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	sessions := ws.NewHandler(cfg.Engine, cfg.Loop, logger, cfg.Spawn)

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/healthz", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/stats", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status          string          `json:"status"`
			ServerTime      int64           `json:"serverTime"`
			PendingCommands int             `json:"pendingCommands"`
			Engine          sim.EngineStats `json:"engine"`
		}{
			Status:          "ok",
			ServerTime:      time.Now().UnixMilli(),
			PendingCommands: cfg.Loop.Pending(),
			Engine:          cfg.Engine.Stats(),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			nethttp.Error(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	mux.HandleFunc("/ws", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		clientID := r.URL.Query().Get("id")
		if clientID == "" {
			clientID = uuid.NewString()
		}
		name := r.URL.Query().Get("name")
		var detection float64
		if raw := r.URL.Query().Get("detection"); raw != "" {
			if value, err := strconv.ParseFloat(raw, 64); err == nil {
				detection = value
			} else {
				logger.Printf("[http] ignoring bad detection=%q from %s: %v", raw, clientID, err)
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Printf("[http] upgrade failed for %s: %v", clientID, err)
			return
		}
		sessions.Serve(clientID, name, detection, conn)
	})

	if cfg.Observability.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}
