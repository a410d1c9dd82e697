package protocol

// ProtocolVersion is bumped when the event wire shape changes.
const ProtocolVersion = 1

// WebSocket event names pushed from server to client.
const (
	EventMessage  = "message"
	EventChannel  = "channel"
	EventRun      = "run"
	EventShutdown = "shutdown"
)

// Run event subtypes (in payload.type).
const (
	RunStarted   = "run.started"
	RunCompleted = "run.completed"
	RunFailed    = "run.failed"
	RunRetrying  = "run.retrying"
	RunCancelled = "run.cancelled"
)

// Channel event types (payload of EventChannel).
const (
	ChannelCreated     = "created"
	ChannelUpdated     = "updated"
	ChannelDeleted     = "deleted"
	ChannelActivated   = "activated"
	ChannelDeactivated = "deactivated"
)
