//go:build !linux && !darwin

package server

import (
	"errors"
	"net"
)

// peerUID is unsupported on this platform; connections are rejected.
func peerUID(conn *net.UnixConn) (int, error) {
	return -1, errors.New("peer credentials not supported on this platform")
}
