// Package proto defines the websocket wire messages exchanged with clients.
// Outbound state traffic uses the envelope produced by the outbound pipeline;
// the types here cover intake, acknowledgements, and keyframe recovery.
package proto

import "stardrift/server/internal/world"

// Version is bumped on breaking wire changes.
const Version = 1

// Inbound message types.
const (
	TypeMove            = "move"
	TypeCollect         = "collect"
	TypeJoinChannel     = "joinChannel"
	TypeLeaveChannel    = "leaveChannel"
	TypeHeartbeat       = "heartbeat"
	TypeResync          = "resync"
	TypeKeyframeRequest = "keyframeRequest"
)

// ClientMessage is the single inbound frame shape. Fields irrelevant to a
// given type are simply absent.
type ClientMessage struct {
	Ver             int     `json:"ver,omitempty"`
	Type            string  `json:"type"`
	Seq             uint64  `json:"seq,omitempty"`
	DX              float64 `json:"dx,omitempty"`
	DY              float64 `json:"dy,omitempty"`
	Range           float64 `json:"range,omitempty"`
	Channel         string  `json:"channel,omitempty"`
	SentAt          int64   `json:"sentAt,omitempty"`
	KeyframeVersion *uint64 `json:"keyframeVersion,omitempty"`
}

// CommandAck confirms a sequenced command was staged for the tick loop.
type CommandAck struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
	Tick uint64 `json:"tick,omitempty"`
}

// NewCommandAck builds an ack for the given sequence number.
func NewCommandAck(seq, tick uint64) CommandAck {
	return CommandAck{Ver: Version, Type: "commandAck", Seq: seq, Tick: tick}
}

// CommandReject reports that a sequenced command was dropped. Retry marks
// transient backpressure rejections worth resubmitting.
type CommandReject struct {
	Ver    int    `json:"ver"`
	Type   string `json:"type"`
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
	Retry  bool   `json:"retry,omitempty"`
}

// NewCommandReject builds a rejection for the given sequence number.
func NewCommandReject(seq uint64, reason string, retry bool) CommandReject {
	return CommandReject{Ver: Version, Type: "commandReject", Seq: seq, Reason: reason, Retry: retry}
}

// HeartbeatAck echoes the client's timestamp next to the server's.
type HeartbeatAck struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime"`
}

// Keyframe carries a recorded full snapshot back to a recovering client.
type Keyframe struct {
	Ver     int        `json:"ver"`
	Type    string     `json:"type"`
	Version uint64     `json:"version"`
	View    world.View `json:"view"`
}

// KeyframeNack tells the client the requested snapshot aged out of the
// journal; the usual reaction is a resync command.
type KeyframeNack struct {
	Ver     int    `json:"ver"`
	Type    string `json:"type"`
	Version uint64 `json:"version"`
	Reason  string `json:"reason"`
}
