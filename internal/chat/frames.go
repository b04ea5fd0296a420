package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// EventKind discriminates inbound push frames.
type EventKind int

const (
	// EventUnknown is a well-formed frame with a type this client does
	// not handle. It is logged and ignored.
	EventUnknown EventKind = iota
	EventOnlineUsers
	EventForceLogout
	EventFriendRequest
	EventFriendAccepted
	EventDirectMessage
)

func (k EventKind) String() string {
	switch k {
	case EventOnlineUsers:
		return "online_users"
	case EventForceLogout:
		return "force_logout"
	case EventFriendRequest:
		return "friend_request"
	case EventFriendAccepted:
		return "friend_request_accepted"
	case EventDirectMessage:
		return "direct_message"
	}

	return "unknown"
}

// Event is a decoded push frame. Which fields are set depends on Kind.
type Event struct {
	Kind EventKind
	// Type is the raw "type" value, kept for logging unknown frames.
	Type      string
	Users     []string
	From      string
	Message   string
	Timestamp string
}

var errMalformedFrame = errors.New("malformed frame")

// ParseFrame decodes one inbound text frame. Direct messages carry no
// "type" field and are recognised by the presence of "from" and
// "message". Frames that are not JSON objects, or that lack the fields
// their type requires, return an error wrapping errMalformedFrame.
func ParseFrame(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, fmt.Errorf("%w: invalid json", errMalformedFrame)
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Event{}, fmt.Errorf("%w: not an object", errMalformedFrame)
	}

	typ := root.Get("type")
	if !typ.Exists() {
		return parseDirectMessage(root)
	}

	if typ.Type != gjson.String {
		return Event{}, fmt.Errorf("%w: non-string type", errMalformedFrame)
	}

	switch typ.Str {
	case "online_users":
		users := root.Get("users")
		if !users.IsArray() {
			return Event{}, fmt.Errorf("%w: online_users without users array", errMalformedFrame)
		}

		ev := Event{Kind: EventOnlineUsers, Type: typ.Str, Users: []string{}}
		for _, u := range users.Array() {
			if u.Type == gjson.String && u.Str != "" {
				ev.Users = append(ev.Users, u.Str)
			}
		}

		return ev, nil

	case "force_logout":
		return Event{Kind: EventForceLogout, Type: typ.Str, Message: root.Get("message").String()}, nil

	case "friend_request", "friend_request_accepted":
		from := root.Get("from")
		if from.Type != gjson.String || from.Str == "" {
			return Event{}, fmt.Errorf("%w: %s without from", errMalformedFrame, typ.Str)
		}

		kind := EventFriendRequest
		if typ.Str == "friend_request_accepted" {
			kind = EventFriendAccepted
		}

		return Event{Kind: kind, Type: typ.Str, From: from.Str}, nil

	default:
		return Event{Kind: EventUnknown, Type: typ.Str}, nil
	}
}

func parseDirectMessage(root gjson.Result) (Event, error) {
	from := root.Get("from")
	msg := root.Get("message")

	if from.Type != gjson.String || from.Str == "" || msg.Type != gjson.String {
		return Event{}, fmt.Errorf("%w: untyped frame is not a direct message", errMalformedFrame)
	}

	ev := Event{Kind: EventDirectMessage, From: from.Str, Message: msg.Str}
	if ts := root.Get("timestamp"); ts.Type == gjson.String {
		ev.Timestamp = ts.Str
	}

	return ev, nil
}

// Outbound frames.

type pingFrame struct {
	Type string `json:"type"`
}

type chatFrame struct {
	To      string `json:"to" validate:"required"`
	Message string `json:"message" validate:"required"`
}

func encodePing() []byte {
	data, _ := json.Marshal(pingFrame{Type: "ping"})
	return data
}
