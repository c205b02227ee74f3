// Package ws runs the per-connection websocket session: intake of client
// intents into the tick loop's command queue, sequenced acks and rejects, and
// keyframe recovery. Outbound state never passes through here; the broadcast
// registry writes to the session directly.
package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"stardrift/server/internal/net/proto"
	"stardrift/server/internal/sim"
	"stardrift/server/internal/telemetry"
)

// Handler coordinates websocket sessions against the engine and loop.
type Handler struct {
	engine *sim.Engine
	loop   *sim.Loop
	logger telemetry.Logger
	spawn  func() (float64, float64)
}

// NewHandler constructs a session handler. The spawn function picks the join
// position for new players; nil spawns at the origin.
func NewHandler(engine *sim.Engine, loop *sim.Loop, logger telemetry.Logger, spawn func() (float64, float64)) *Handler {
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if spawn == nil {
		spawn = func() (float64, float64) { return 0, 0 }
	}
	return &Handler{engine: engine, loop: loop, logger: logger, spawn: spawn}
}

// Serve runs a session until the connection drops. It owns the read side;
// the session's write lock arbitrates between its acks and the broadcast
// registry's deliveries. The detection multiplier scales the client's
// resource sensor range; zero keeps the default.
func (h *Handler) Serve(clientID, name string, detection float64, conn *websocket.Conn) {
	if h == nil || h.engine == nil || conn == nil {
		return
	}
	session := NewSession(conn)
	x, y := h.spawn()
	h.engine.Connect(clientID, name, x, y, session)
	if detection > 0 {
		h.engine.SetDetection(clientID, detection)
	}
	defer h.engine.Disconnect(clientID)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg proto.ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.logger.Printf("[ws] discarding malformed message from %s: %v", clientID, err)
			continue
		}
		if !h.handleMessage(clientID, session, msg) {
			return
		}
	}
}

// handleMessage processes one frame; a false return ends the session.
func (h *Handler) handleMessage(clientID string, session *Session, msg proto.ClientMessage) bool {
	writeJSON := func(payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			h.logger.Printf("[ws] failed to marshal response for %s: %v", clientID, err)
			return true
		}
		return session.Send(data, false) == nil
	}

	if msg.Seq > 0 {
		if last := session.LastCommandSeq(); last > 0 && msg.Seq <= last {
			return writeJSON(proto.NewCommandAck(msg.Seq, 0))
		}
	}

	switch msg.Type {
	case proto.TypeMove:
		return h.enqueue(session, writeJSON, sim.Command{
			ActorID: clientID, Type: sim.CommandMove, DX: msg.DX, DY: msg.DY, Seq: msg.Seq,
		})
	case proto.TypeCollect:
		return h.enqueue(session, writeJSON, sim.Command{
			ActorID: clientID, Type: sim.CommandCollect, Range: msg.Range, Seq: msg.Seq,
		})
	case proto.TypeJoinChannel:
		if msg.Channel == "" {
			return true
		}
		return h.enqueue(session, writeJSON, sim.Command{
			ActorID: clientID, Type: sim.CommandJoinChannel, Channel: msg.Channel, Seq: msg.Seq,
		})
	case proto.TypeLeaveChannel:
		if msg.Channel == "" {
			return true
		}
		return h.enqueue(session, writeJSON, sim.Command{
			ActorID: clientID, Type: sim.CommandLeaveChannel, Channel: msg.Channel, Seq: msg.Seq,
		})
	case proto.TypeHeartbeat:
		if ok := h.enqueue(session, writeJSON, sim.Command{
			ActorID: clientID, Type: sim.CommandHeartbeat, Seq: msg.Seq,
		}); !ok {
			return false
		}
		return writeJSON(proto.HeartbeatAck{
			Ver:        proto.Version,
			Type:       "heartbeat",
			ServerTime: time.Now().UnixMilli(),
			ClientTime: msg.SentAt,
		})
	case proto.TypeResync:
		return h.enqueue(session, writeJSON, sim.Command{
			ActorID: clientID, Type: sim.CommandResync, Seq: msg.Seq,
		})
	case proto.TypeKeyframeRequest:
		if msg.KeyframeVersion == nil {
			return true
		}
		version := *msg.KeyframeVersion
		if view, ok := h.engine.Keyframe(clientID, version); ok {
			return writeJSON(proto.Keyframe{Ver: proto.Version, Type: "keyframe", Version: version, View: view})
		}
		return writeJSON(proto.KeyframeNack{Ver: proto.Version, Type: "keyframeNack", Version: version, Reason: "expired"})
	default:
		h.logger.Printf("[ws] unknown message type %q from %s", msg.Type, clientID)
		return true
	}
}

func (h *Handler) enqueue(session *Session, writeJSON func(any) bool, cmd sim.Command) bool {
	cmd.IssuedAt = time.Now()
	ok, reason := h.loop.Enqueue(cmd)
	if cmd.Seq == 0 {
		return true
	}
	if ok {
		if !writeJSON(proto.NewCommandAck(cmd.Seq, h.engine.Tick())) {
			return false
		}
		session.StoreLastCommandSeq(cmd.Seq)
		return true
	}
	retry := reason == sim.CommandRejectQueueLimit
	return writeJSON(proto.NewCommandReject(cmd.Seq, reason, retry))
}
