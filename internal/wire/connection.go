package wire

import (
	"fmt"
	"net"
	"strconv"
)

// Channel names one of a worker's messaging endpoints.
type Channel string

const (
	Shell     Channel = "shell" // execute requests in, replies out
	IOPub     Channel = "iopub" // broadcast of everything a request produces
	Heartbeat Channel = "hb"    // raw echo used for liveness checks
)

// Channels lists every channel a worker exposes.
var Channels = []Channel{Shell, IOPub, Heartbeat}

// Connection is the handshake envelope a worker sends back to its supervisor.
// The same shape is used to request specific connection parameters when a
// worker is restarted.
type Connection struct {
	IP    string          `json:"ip"`
	Key   string          `json:"key"`
	Ports map[Channel]int `json:"ports"`
}

// Addr returns host:port for ch.
func (c Connection) Addr(ch Channel) string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Ports[ch]))
}

// Validate checks that every channel has a port.
func (c Connection) Validate() error {
	if c.IP == "" {
		return fmt.Errorf("connection has no ip")
	}
	if c.Key == "" {
		return fmt.Errorf("connection has no key")
	}
	for _, ch := range Channels {
		if c.Ports[ch] <= 0 {
			return fmt.Errorf("connection has no %s port", ch)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c Connection) Clone() Connection {
	out := Connection{IP: c.IP, Key: c.Key}
	if c.Ports != nil {
		out.Ports = make(map[Channel]int, len(c.Ports))
		for ch, p := range c.Ports {
			out.Ports[ch] = p
		}
	}
	return out
}
