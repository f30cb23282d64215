package presence

import "errors"

// ErrUnknownPeer is returned when an address has no directory entry
var ErrUnknownPeer = errors.New("unknown peer")
