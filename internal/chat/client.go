package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a non-2xx response from the chat server. Detail is the
// server's "detail" message when one was sent.
type APIError struct {
	Endpoint string
	Status   int
	Detail   string
	kind     error
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("API %s (%d): %s", e.Endpoint, e.Status, e.Detail)
	}

	return fmt.Sprintf("API %s returned status %d", e.Endpoint, e.Status)
}

// Unwrap exposes the sentinel the server detail maps to, so callers can
// use errors.Is(err, errors.ErrAlreadyFriends) and similar.
func (e *APIError) Unwrap() error { return e.kind }

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps successful response bodies. History is
	// unpaginated, so this is sized for accounts with years of messages.
	maxAPIResponseBytes = 64 << 20

	// maxErrorBodyBytes caps how much of an error body is read for the
	// detail message.
	maxErrorBodyBytes = 64 << 10
)

var validate = validator.New()

// Client talks to the chat server's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	maxBody    int64
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL. If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxBody:    maxAPIResponseBytes,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// get sends a GET request and decodes the JSON response into result.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, result interface{}) error {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	return c.do(req, endpoint, result)
}

// post validates body, sends it as JSON and decodes the response into
// result (which may be nil).
func (c *Client) post(ctx context.Context, endpoint string, body, result interface{}) error {
	if err := validate.Struct(body); err != nil {
		return fmt.Errorf("%w: invalid request for %s: %w", chaterrors.ErrAPIRequest, endpoint, err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	return c.do(req, endpoint, result)
}

func (c *Client) do(req *http.Request, endpoint string, result interface{}) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		apiErr := &APIError{Endpoint: endpoint, Status: resp.StatusCode}

		// FastAPI sends {"detail": "..."} for HTTPException and
		// {"detail": [...]} for request validation failures.
		if d := gjson.GetBytes(respBody, "detail"); d.Type == gjson.String {
			apiErr.Detail = sanitizeResponseBody([]byte(d.Str))
		} else if len(respBody) > 0 {
			apiErr.Detail = sanitizeResponseBody(respBody)
		}

		apiErr.kind = classifyDetail(resp.StatusCode, apiErr.Detail)

		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: apiErr}
		}

		return apiErr
	}

	if result == nil {
		return nil
	}

	body := http.MaxBytesReader(nil, resp.Body, c.maxBody)
	if err := json.NewDecoder(body).Decode(result); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: response from %s too large (over %d bytes)", chaterrors.ErrAPIResponse, endpoint, tooLarge.Limit)
		}

		return fmt.Errorf("%w: decoding response from %s: %w", chaterrors.ErrAPIResponse, endpoint, err)
	}

	return nil
}

// classifyDetail maps the server's rejection messages to sentinels.
func classifyDetail(status int, detail string) error {
	switch detail {
	case "Already friends":
		return chaterrors.ErrAlreadyFriends
	case "Request already sent", "Request already exists":
		return chaterrors.ErrAlreadyRequested
	case "User not found":
		return chaterrors.ErrUserNotFound
	case "Cannot send request to yourself":
		return chaterrors.ErrSelfRequest
	case "Cannot send request":
		return chaterrors.ErrRequestForbidden
	case "Invalid action":
		return chaterrors.ErrInvalidAction
	}

	switch status {
	case http.StatusNotFound:
		return chaterrors.ErrUserNotFound
	case http.StatusForbidden:
		return chaterrors.ErrRequestForbidden
	}

	return chaterrors.ErrAPIRequest
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

type friendRequestBody struct {
	Sender    string `json:"sender" validate:"required"`
	Recipient string `json:"recipient" validate:"required"`
}

type respondBody struct {
	Recipient string `json:"recipient" validate:"required"`
	Sender    string `json:"sender" validate:"required"`
	Action    Action `json:"action" validate:"required,oneof=accept reject block"`
}

type removeBody struct {
	Username string `json:"username" validate:"required"`
	Friend   string `json:"friend" validate:"required"`
}

type blockBody struct {
	Username    string `json:"username" validate:"required"`
	BlockedUser string `json:"blocked_user" validate:"required"`
}

// FriendList fetches accepted friends and incoming pending requests.
func (c *Client) FriendList(ctx context.Context, username string) (*FriendList, error) {
	var resp FriendList
	if err := c.get(ctx, "/friend-request/list/"+url.PathEscape(username), nil, &resp); err != nil {
		return nil, fmt.Errorf("listing friends: %w", err)
	}

	return &resp, nil
}

// Blocked fetches the users this user has blocked.
func (c *Client) Blocked(ctx context.Context, username string) ([]string, error) {
	var resp struct {
		Blocked []string `json:"blocked"`
	}
	if err := c.get(ctx, "/friend/blocked/"+url.PathEscape(username), nil, &resp); err != nil {
		return nil, fmt.Errorf("listing blocked users: %w", err)
	}

	return resp.Blocked, nil
}

// History fetches every message the user sent or received, oldest first.
func (c *Client) History(ctx context.Context, username string) ([]HistoryEntry, error) {
	var resp struct {
		Messages []HistoryEntry `json:"messages"`
	}
	if err := c.get(ctx, "/history/"+url.PathEscape(username), nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}

	return resp.Messages, nil
}

// SendRequest sends a friend request from sender to recipient.
func (c *Client) SendRequest(ctx context.Context, sender, recipient string) error {
	if err := c.post(ctx, "/friend-request/send", friendRequestBody{Sender: sender, Recipient: recipient}, nil); err != nil {
		return fmt.Errorf("sending friend request: %w", err)
	}

	return nil
}

// Respond answers the pending request sender sent to recipient.
func (c *Client) Respond(ctx context.Context, recipient, sender string, action Action) error {
	if !action.Valid() {
		return fmt.Errorf("responding to friend request: %w: %q", chaterrors.ErrInvalidAction, action)
	}

	body := respondBody{Recipient: recipient, Sender: sender, Action: action}
	if err := c.post(ctx, "/friend-request/respond", body, nil); err != nil {
		return fmt.Errorf("responding to friend request: %w", err)
	}

	return nil
}

// RemoveFriend removes friend from username's contacts.
func (c *Client) RemoveFriend(ctx context.Context, username, friend string) error {
	if err := c.post(ctx, "/friend/remove", removeBody{Username: username, Friend: friend}, nil); err != nil {
		return fmt.Errorf("removing friend: %w", err)
	}

	return nil
}

// Block blocks target for username.
func (c *Client) Block(ctx context.Context, username, target string) error {
	if err := c.post(ctx, "/friend/block", blockBody{Username: username, BlockedUser: target}, nil); err != nil {
		return fmt.Errorf("blocking user: %w", err)
	}

	return nil
}

// Unblock lifts a block.
func (c *Client) Unblock(ctx context.Context, username, target string) error {
	if err := c.post(ctx, "/friend/unblock", blockBody{Username: username, BlockedUser: target}, nil); err != nil {
		return fmt.Errorf("unblocking user: %w", err)
	}

	return nil
}

// Search returns usernames matching query. An empty query returns no
// results without a request, as the server would.
func (c *Client) Search(ctx context.Context, query string) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		return []string{}, nil
	}

	var resp struct {
		Users []string `json:"users"`
	}
	if err := c.get(ctx, "/search", url.Values{"q": {query}}, &resp); err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}

	return resp.Users, nil
}
