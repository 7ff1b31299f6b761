package mqtt

import "errors"

// ErrNotConnected is returned when publishing on a closed or disconnected client.
var ErrNotConnected = errors.New("mqtt client not connected")
