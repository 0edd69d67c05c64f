package event

// Kind discriminates the lifecycle signals the fabric publishes.
type Kind int16

const (
	SessionConnected  Kind = iota + 1 // [SYSTEM]
	SessionClosed                     // [SYSTEM]
	ZombieReaped                      // [SYSTEM]
	ShutdownCompleted                 // [SYSTEM]
)

func (k Kind) String() string {
	switch k {
	case SessionConnected:
		return "session.connected"
	case SessionClosed:
		return "session.closed"
	case ZombieReaped:
		return "session.zombie_reaped"
	case ShutdownCompleted:
		return "shutdown.completed"
	default:
		return "unknown"
	}
}

type Priority int32

const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 20
	PriorityHigh   Priority = 30
)

// Eventer defines the contract for all signals flowing out of the fabric.
type Eventer interface {
	GetID() string
	GetKind() Kind
	GetUserID() string
	GetPriority() Priority
	GetOccurredAt() int64
	GetPayload() any
	GetCached() any
	SetCached(any)
}

// Exportable defines an event that should be re-published to the message bus.
type Exportable interface {
	// We return the key only if the event is ready to be exported.
	// If it returns an empty string, the dispatcher will skip publishing.
	GetRoutingKey() string
}
