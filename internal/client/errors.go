package client

import "errors"

// errLoginRefused is returned when the broker rejects the pool's
// configured credentials.
var errLoginRefused = errors.New("client: login refused")
