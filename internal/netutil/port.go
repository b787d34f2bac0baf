// Package netutil picks local listen addresses.
package netutil

import (
	"errors"
	"fmt"
	"net"
)

// StatusCandidates are tried in order when the preferred status address is busy.
var StatusCandidates = []string{
	"127.0.0.1:8790",
	"127.0.0.1:8791",
	"127.0.0.1:8792",
	"127.0.0.1:8793",
}

var ErrNoAddress = errors.New("netutil: no available bind address")

// Listen binds preferred, or when that is busy and autoFallback is set, the
// first candidate that can be bound. The returned listener is already open so
// nothing can take the port between selection and serving.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	if preferred != "" {
		ln, err := net.Listen("tcp", preferred)
		if err == nil {
			return ln, nil
		}
		if !autoFallback {
			return nil, fmt.Errorf("netutil: preferred bind address in use: %s: %w", preferred, err)
		}
	}

	for _, addr := range candidates {
		if addr == preferred {
			continue
		}
		if ln, err := net.Listen("tcp", addr); err == nil {
			return ln, nil
		}
	}
	return nil, ErrNoAddress
}
