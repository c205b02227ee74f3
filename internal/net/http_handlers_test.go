package net

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"stardrift/server/internal/physics"
	"stardrift/server/internal/sim"
)

func startServer(t *testing.T) (*httptest.Server, *sim.Engine) {
	t.Helper()
	engine := sim.NewEngine(sim.Config{Physics: physics.Config{Workers: 2}}, sim.Deps{})
	loop := sim.NewLoop(engine, sim.LoopConfig{
		TickRate:        100,
		CommandCapacity: 256,
		PerActorLimit:   32,
	}, sim.LoopHooks{})

	stop := make(chan struct{})
	go loop.Run(stop)
	go engine.Optimizer().Run(stop)

	srv := httptest.NewServer(NewHTTPHandler(HTTPHandlerConfig{Engine: engine, Loop: loop}))
	t.Cleanup(func() {
		srv.Close()
		close(stop)
		engine.Close()
	})
	return srv, engine
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil skips frames until one with the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", wantType, err)
		}
		var frame map[string]any
		if err := json.Unmarshal(payload, &frame); err != nil {
			t.Fatalf("undecodable frame %s: %v", payload, err)
		}
		if frame["type"] == wantType {
			return frame
		}
	}
	t.Fatalf("never received a %q frame", wantType)
	return nil
}

func sendJSON(t *testing.T, conn *websocket.Conn, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := startServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := startServer(t)
	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Status string          `json:"status"`
		Engine sim.EngineStats `json:"engine"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("unexpected stats payload %+v", payload)
	}
}

func TestWebsocketSessionLifecycle(t *testing.T) {
	srv, engine := startServer(t)
	conn := dialWS(t, srv, "?id=tester&name=Ada")

	// The first tick after the join delivers a full snapshot.
	state := readUntil(t, conn, "state")
	data, _ := state["data"].(map[string]any)
	if full, _ := data["full"].(bool); !full {
		t.Fatalf("expected a full first snapshot, got %+v", state)
	}

	sendJSON(t, conn, map[string]any{"type": "move", "seq": 1, "dx": 1, "dy": 0})
	ack := readUntil(t, conn, "commandAck")
	if seq, _ := ack["seq"].(float64); seq != 1 {
		t.Fatalf("expected ack for seq 1, got %+v", ack)
	}

	// A replayed sequence number is acked without re-staging the command.
	sendJSON(t, conn, map[string]any{"type": "move", "seq": 1, "dx": 1, "dy": 0})
	readUntil(t, conn, "commandAck")

	sendJSON(t, conn, map[string]any{"type": "heartbeat", "sentAt": time.Now().UnixMilli()})
	hb := readUntil(t, conn, "heartbeat")
	if hb["serverTime"] == nil {
		t.Fatalf("heartbeat ack missing server time: %+v", hb)
	}

	sendJSON(t, conn, map[string]any{"type": "keyframeRequest", "keyframeVersion": 1})
	kf := readUntil(t, conn, "keyframe")
	if version, _ := kf["version"].(float64); version != 1 {
		t.Fatalf("expected keyframe version 1, got %+v", kf)
	}

	conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if stats := engine.Stats(); stats.Players == 0 && stats.Broadcast.Clients == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client was not torn down after disconnect: %+v", engine.Stats())
}

func TestWebsocketRejectReportsBackpressure(t *testing.T) {
	engine := sim.NewEngine(sim.Config{Physics: physics.Config{Workers: 1}}, sim.Deps{})
	// A loop that is never run keeps every staged command in the queue, so a
	// tiny per-actor limit trips immediately.
	loop := sim.NewLoop(engine, sim.LoopConfig{CommandCapacity: 256, PerActorLimit: 1}, sim.LoopHooks{})
	srv := httptest.NewServer(NewHTTPHandler(HTTPHandlerConfig{Engine: engine, Loop: loop}))
	t.Cleanup(func() {
		srv.Close()
		engine.Close()
	})

	conn := dialWS(t, srv, "?id=tester")
	sendJSON(t, conn, map[string]any{"type": "move", "seq": 1, "dx": 1})
	readUntil(t, conn, "commandAck")
	sendJSON(t, conn, map[string]any{"type": "move", "seq": 2, "dx": -1})
	reject := readUntil(t, conn, "commandReject")
	if reason, _ := reject["reason"].(string); reason != sim.CommandRejectQueueLimit {
		t.Fatalf("expected queue_limit rejection, got %+v", reject)
	}
	if retry, _ := reject["retry"].(bool); !retry {
		t.Fatalf("expected retryable rejection, got %+v", reject)
	}
}
