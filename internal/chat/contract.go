package chat

//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=mock_contract_test.go -package=chat -mock_names=wsConn=MockWSConn,API=MockAPI,SessionProvider=MockSessionProvider

import (
	"context"

	"github.com/coder/websocket"
)

// wsConn abstracts the WebSocket connection so the engine can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// API is the REST surface the engine consumes. *Client implements it.
type API interface {
	FriendList(ctx context.Context, username string) (*FriendList, error)
	Blocked(ctx context.Context, username string) ([]string, error)
	History(ctx context.Context, username string) ([]HistoryEntry, error)
	SendRequest(ctx context.Context, sender, recipient string) error
	Respond(ctx context.Context, recipient, sender string, action Action) error
	RemoveFriend(ctx context.Context, username, friend string) error
	Block(ctx context.Context, username, target string) error
	Unblock(ctx context.Context, username, target string) error
	Search(ctx context.Context, query string) ([]string, error)
}

// SessionProvider supplies the identity the engine runs under.
//
// Watch calls onChange with the current session (nil when logged out)
// whenever it changes, and blocks until ctx is done. Logout is called by
// the engine when the server evicts the session. It must not call
// onChange synchronously.
type SessionProvider interface {
	Watch(ctx context.Context, onChange func(*Session)) error
	Logout(reason string) error
}
