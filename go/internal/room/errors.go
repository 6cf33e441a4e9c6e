package room

import "errors"

// ErrRoomNotFound indicates the room code does not name a live room. It is a
// normal user-visible condition (expired or mistyped code), never fatal.
var ErrRoomNotFound = errors.New("room not found")

// ErrSessionNotFound indicates the session is not a current participant of
// the room. Active operations reject with it; leave treats it as a no-op.
var ErrSessionNotFound = errors.New("session not found")
