package chat

// Session is the identity the engine is bound to.
type Session struct {
	Username string `yaml:"username"`
	Token    string `yaml:"token"`
}

// ConnState is the lifecycle state of the connection supervisor.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	// Terminated is terminal: no reconnect is scheduled until a new
	// session arrives.
	Terminated
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Terminated:
		return "terminated"
	}

	return "unknown"
}

// Direction of a message relative to the session user.
type Direction string

const (
	Sent     Direction = "sent"
	Received Direction = "received"
)

// Message is one entry in a contact's log. Messages are immutable once
// appended.
type Message struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Direction Direction `json:"direction"`
	Timestamp string    `json:"timestamp"`
}

// PendingRequest is an incoming friend request awaiting a response.
type PendingRequest struct {
	From       string `json:"from"`
	ReceivedAt string `json:"received_at"`
}

// Action is a response to a pending friend request.
type Action string

const (
	Accept Action = "accept"
	Reject Action = "reject"
	Block  Action = "block"
)

// Valid reports whether a is one of the actions the server accepts.
func (a Action) Valid() bool {
	return a == Accept || a == Reject || a == Block
}

// FriendList is the response of GET /friend-request/list/{user}.
type FriendList struct {
	Friends []string      `json:"friends"`
	Pending []PendingWire `json:"pending"`
}

// PendingWire is a pending request as the server encodes it.
type PendingWire struct {
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
}

// HistoryEntry is one message from GET /history/{user}.
type HistoryEntry struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Snapshot is the combined result of the three REST reads issued when a
// session starts.
type Snapshot struct {
	Friends []string
	Pending []PendingWire
	Blocked []string
	History []HistoryEntry
}

// View is a deep copy of the model, safe to hold and read from any
// goroutine.
type View struct {
	Username string               `json:"username"`
	State    ConnState            `json:"-"`
	Loaded   bool                 `json:"loaded"`
	Contacts []string             `json:"contacts"`
	Blocked  []string             `json:"blocked"`
	Pending  []PendingRequest     `json:"pending"`
	Online   []string             `json:"online"`
	Messages map[string][]Message `json:"messages"`
}
