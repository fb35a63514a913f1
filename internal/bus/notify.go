package bus

// Kind is the closed set of notifications the hub emits. Application event
// names live in a separate, open string space.
type Kind int

const (
	KindConnect Kind = iota + 1
	KindDisconnect
	// KindReceive follows a successful pass through the transform chain.
	KindReceive
	// KindInvalidMessage is raised when raw text is not JSON.
	KindInvalidMessage
	// KindInvalidJSON is raised by the shape validator.
	KindInvalidJSON
	// KindRejected is raised for every message the chain dropped.
	KindRejected
	KindListen
	KindUnlisten
	// KindPreTransform carries a copy of the envelope as decoded, before any
	// transformer ran. It is raised for every decoded message, including ones
	// the chain later drops.
	KindPreTransform
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindReceive:
		return "receive"
	case KindInvalidMessage:
		return "invalid_message"
	case KindInvalidJSON:
		return "invalid_json"
	case KindRejected:
		return "rejected"
	case KindListen:
		return "listen"
	case KindUnlisten:
		return "unlisten"
	case KindPreTransform:
		return "pre_transform"
	default:
		return "unknown"
	}
}

// Origin tells where an envelope entered the hub.
type Origin int

const (
	OriginPeer Origin = iota
	OriginLocal
	OriginCluster
)

func (o Origin) String() string {
	switch o {
	case OriginPeer:
		return "peer"
	case OriginLocal:
		return "local"
	case OriginCluster:
		return "cluster"
	default:
		return "unknown"
	}
}

// Notification carries one hub notification. Only the fields relevant to Kind
// are set: Raw for invalid messages, Event for listen/unlisten, Envelope for
// pre-transform, receive and the validation failures, Err for the validation failures.
type Notification struct {
	Kind     Kind
	Conn     Conn
	Origin   Origin
	Envelope *Envelope
	Raw      string
	Event    string
	Err      error
}

// ConnID returns the connection ID or "" when the notification has no connection.
func (n Notification) ConnID() string {
	if n.Conn == nil {
		return ""
	}
	return n.Conn.ID()
}

type Observer func(Notification)
