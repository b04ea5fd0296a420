package errors

import "errors"

// Session and transport errors.
var (
	ErrNotConnected      = errors.New("not connected")
	ErrNoSession         = errors.New("no active session")
	ErrSessionTerminated = errors.New("session terminated by server")
	ErrEngineStopped     = errors.New("engine stopped")
	ErrInvalidMessage    = errors.New("message needs a recipient and content")
)

// Friend graph errors, mapped from server rejections.
var (
	ErrAlreadyFriends   = errors.New("already friends")
	ErrAlreadyRequested = errors.New("friend request already sent")
	ErrUserNotFound     = errors.New("user not found")
	ErrSelfRequest      = errors.New("cannot send a friend request to yourself")
	ErrRequestForbidden = errors.New("friend request not allowed")
	ErrInvalidAction    = errors.New("invalid respond action")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
