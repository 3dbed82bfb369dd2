package main

import (
	"net"
	"strconv"
)

// splitHostPort parses "host:port" into the (addr string, port int) pair
// pkg/health.NewServer wants, defaulting to port 0 (OS-assigned) on a
// malformed address rather than failing startup over a health endpoint.
func splitHostPort(hostport string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
