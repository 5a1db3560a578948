package session

import "errors"

// ErrEmptyBuffer reports PLAY on a session whose buffer holds no bars.
var ErrEmptyBuffer = errors.New("empty buffer: nothing to play")
