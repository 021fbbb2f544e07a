package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPAddr returns a loopback address with a port that was free when this was called.
func GetEphemeralTCPAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}
