// Package mcpserver registers MCP tools that expose the chat engine.
// It adapts the engine's read model and operations to the MCP SDK's
// tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultMessageLimit caps chat_messages when no limit is given.
const defaultMessageLimit = 50

// Chat is the part of *chat.Engine the tools use.
type Chat interface {
	View() chat.View
	Send(ctx context.Context, to, text string) error
	SendRequest(ctx context.Context, target string) error
	Respond(ctx context.Context, from string, action chat.Action) error
	Remove(ctx context.Context, contact string) error
	Block(ctx context.Context, target string) error
	Unblock(ctx context.Context, target string) error
	Search(ctx context.Context, query string) ([]string, error)
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Chat, logger *slog.Logger) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_status",
		Description: "Connection state and the logged-in user, with counts of contacts, pending requests and online users.",
	}, statusHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_contacts",
		Description: "List contacts (with online flag and message count), blocked users and pending friend requests.",
	}, contactsHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_messages",
		Description: "Read the message log with one user, oldest first. Returns the most recent messages up to limit (default 50).",
	}, messagesHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a direct message. Fails unless the connection is up. There is no delivery acknowledgement.",
	}, sendHandler(c, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_friend_request",
		Description: "Send a friend request to a user.",
	}, friendRequestHandler(c, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_respond",
		Description: "Answer a pending friend request with accept, reject or block.",
	}, respondHandler(c, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_remove_friend",
		Description: "Remove a contact. The message log is kept.",
	}, userOpHandler("remove", c.Remove, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_block",
		Description: "Block a user. Removes them from contacts and pending requests.",
	}, userOpHandler("block", c.Block, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_unblock",
		Description: "Unblock a user. They are not restored as a contact.",
	}, userOpHandler("unblock", c.Unblock, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_search",
		Description: "Search for users by name, excluding yourself and existing contacts.",
	}, searchHandler(c))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// EmptyInput has no parameters.
type EmptyInput struct{}

// MessagesInput holds parameters for chat_messages.
type MessagesInput struct {
	Contact string `json:"contact" jsonschema:"required,username of the other party"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum number of most recent messages, defaults to 50"`
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	To      string `json:"to" jsonschema:"required,recipient username"`
	Message string `json:"message" jsonschema:"required,message text"`
}

// UserInput holds the single username parameter of the friend tools.
type UserInput struct {
	Username string `json:"username" jsonschema:"required,target username"`
}

// RespondInput holds parameters for chat_respond.
type RespondInput struct {
	From   string `json:"from" jsonschema:"required,username that sent the request"`
	Action string `json:"action" jsonschema:"required,one of accept, reject, block"`
}

// SearchInput holds parameters for chat_search.
type SearchInput struct {
	Query string `json:"query" jsonschema:"required,search query"`
}

// --- Result types ---

// StatusResult is returned by chat_status.
type StatusResult struct {
	Username string `json:"username"`
	State    string `json:"state"`
	Loaded   bool   `json:"loaded"`
	Contacts int    `json:"contacts"`
	Pending  int    `json:"pending"`
	Online   int    `json:"online"`
}

// ContactEntry is one contact in chat_contacts.
type ContactEntry struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
	Messages int    `json:"messages"`
}

// ContactsResult is returned by chat_contacts.
type ContactsResult struct {
	Contacts []ContactEntry        `json:"contacts"`
	Blocked  []string              `json:"blocked"`
	Pending  []chat.PendingRequest `json:"pending"`
}

// MessagesResult is returned by chat_messages.
type MessagesResult struct {
	Contact  string         `json:"contact"`
	Total    int            `json:"total"`
	Messages []chat.Message `json:"messages"`
}

// OKResult acknowledges a write operation.
type OKResult struct {
	OK bool `json:"ok"`
}

// SearchResult is returned by chat_search.
type SearchResult struct {
	Users []string `json:"users"`
}

// --- Handlers ---

func statusHandler(c Chat) mcp.ToolHandlerFor[EmptyInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *StatusResult, error) {
		v := c.View()
		result := &StatusResult{
			Username: v.Username,
			State:    v.State.String(),
			Loaded:   v.Loaded,
			Contacts: len(v.Contacts),
			Pending:  len(v.Pending),
			Online:   len(v.Online),
		}

		return textResult(result), result, nil
	}
}

func contactsHandler(c Chat) mcp.ToolHandlerFor[EmptyInput, *ContactsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *ContactsResult, error) {
		v := c.View()

		result := &ContactsResult{
			Contacts: make([]ContactEntry, 0, len(v.Contacts)),
			Blocked:  v.Blocked,
			Pending:  v.Pending,
		}

		for _, u := range v.Contacts {
			_, online := slices.BinarySearch(v.Online, u)
			result.Contacts = append(result.Contacts, ContactEntry{
				Username: u,
				Online:   online,
				Messages: len(v.Messages[u]),
			})
		}

		return textResult(result), result, nil
	}
}

func messagesHandler(c Chat) mcp.ToolHandlerFor[MessagesInput, *MessagesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input MessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		if input.Contact == "" {
			return nil, nil, fmt.Errorf("contact is required")
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultMessageLimit
		}

		log := c.View().Messages[input.Contact]

		result := &MessagesResult{
			Contact:  input.Contact,
			Total:    len(log),
			Messages: log[max(0, len(log)-limit):],
		}

		if result.Messages == nil {
			result.Messages = []chat.Message{}
		}

		return textResult(result), result, nil
	}
}

func sendHandler(c Chat, logger *slog.Logger) mcp.ToolHandlerFor[SendInput, *OKResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *OKResult, error) {
		if err := c.Send(ctx, input.To, input.Message); err != nil {
			return nil, nil, toolError(err)
		}

		callerLogger(ctx, logger).Info("tool: message sent",
			slog.String("to", input.To),
		)

		return ok()
	}
}

func friendRequestHandler(c Chat, logger *slog.Logger) mcp.ToolHandlerFor[UserInput, *OKResult] {
	return userOpHandler("friend request", c.SendRequest, logger)
}

func respondHandler(c Chat, logger *slog.Logger) mcp.ToolHandlerFor[RespondInput, *OKResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RespondInput) (*mcp.CallToolResult, *OKResult, error) {
		action := chat.Action(input.Action)
		if !action.Valid() {
			return nil, nil, fmt.Errorf("action must be accept, reject or block, got %q", input.Action)
		}

		if err := c.Respond(ctx, input.From, action); err != nil {
			return nil, nil, toolError(err)
		}

		callerLogger(ctx, logger).Info("tool: friend request answered",
			slog.String("from", input.From),
			slog.String("action", input.Action),
		)

		return ok()
	}
}

// userOpHandler wraps a friend operation that takes one username.
func userOpHandler(name string, op func(context.Context, string) error, logger *slog.Logger) mcp.ToolHandlerFor[UserInput, *OKResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input UserInput) (*mcp.CallToolResult, *OKResult, error) {
		if input.Username == "" {
			return nil, nil, fmt.Errorf("username is required")
		}

		if err := op(ctx, input.Username); err != nil {
			return nil, nil, toolError(err)
		}

		callerLogger(ctx, logger).Info("tool: "+name,
			slog.String("username", input.Username),
		)

		return ok()
	}
}

func searchHandler(c Chat) mcp.ToolHandlerFor[SearchInput, *SearchResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *SearchResult, error) {
		users, err := c.Search(ctx, input.Query)
		if err != nil {
			return nil, nil, toolError(err)
		}

		result := &SearchResult{Users: users}

		return textResult(result), result, nil
	}
}

// callerLogger tags logger with the API key and client IP the auth
// middleware attached to the request.
func callerLogger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	return logger.With(
		slog.String("key", auth.RequestKeyName(ctx)),
		slog.String("ip", auth.RequestRemoteIP(ctx)),
	)
}

// toolError flags transient failures (timeouts, 429 and 5xx responses)
// in the error text the MCP client sees.
func toolError(err error) error {
	if chat.IsTransient(err) {
		return fmt.Errorf("temporary failure, safe to retry: %w", err)
	}

	return err
}

func ok() (*mcp.CallToolResult, *OKResult, error) {
	result := &OKResult{OK: true}
	return textResult(result), result, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
