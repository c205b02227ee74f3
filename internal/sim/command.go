package sim

import "time"

// CommandType names a client intent staged for the next tick.
type CommandType string

const (
	// CommandMove sets a client's movement intent. The intent persists until
	// the next move command, so a stop is an explicit zero vector.
	CommandMove CommandType = "move"
	// CommandCollect requests a one-shot collection sweep around the client.
	CommandCollect CommandType = "collect"
	// CommandJoinChannel subscribes the client to a broadcast topic.
	CommandJoinChannel CommandType = "join_channel"
	// CommandLeaveChannel unsubscribes the client from a broadcast topic.
	CommandLeaveChannel CommandType = "leave_channel"
	// CommandHeartbeat refreshes the client's liveness window.
	CommandHeartbeat CommandType = "heartbeat"
	// CommandResync drops the client's replication baseline so the next
	// state message is a full snapshot.
	CommandResync CommandType = "resync"
)

// Command is one staged client intent. Commands are applied in arrival order
// at the start of the tick that drains them.
type Command struct {
	ActorID  string
	Type     CommandType
	DX       float64
	DY       float64
	Range    float64
	Channel  string
	Seq      uint64
	IssuedAt time.Time
}
