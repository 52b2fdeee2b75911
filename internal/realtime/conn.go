package realtime

import (
	"github.com/google/uuid"
)

// sendBufferSize bounds the per-connection outbound queue. A connection
// that cannot keep up has events dropped rather than blocking the hub.
const sendBufferSize = 32

// socket abstracts the underlying websocket connection.
// Satisfied by *websocket.Conn; test doubles implement it directly.
type socket interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Conn is one live realtime session. A connection exists from upgrade
// until disconnect; the user identity is empty until the in-band
// authenticate exchange succeeds.
type Conn struct {
	id   string
	sock socket
	send chan Envelope

	// The fields below are guarded by the hub mutex. The hub is the sole
	// mutator of connection registration state.
	userID string
	rooms  map[string]struct{}
	closed bool
}

func newConn(sock socket) *Conn {
	return &Conn{
		id:    uuid.NewString(),
		sock:  sock,
		send:  make(chan Envelope, sendBufferSize),
		rooms: make(map[string]struct{}),
	}
}

// ID returns the socket identity of the connection.
func (c *Conn) ID() string {
	return c.id
}

// writePump drains the send channel onto the socket. It runs in its own
// goroutine and exits when the hub closes the channel on disconnect.
func (c *Conn) writePump() {
	for env := range c.send {
		if err := c.sock.WriteJSON(env); err != nil {
			// The read loop observes the broken socket and triggers
			// cleanup; sends stay non-blocking meanwhile.
			break
		}
	}
	c.sock.Close()
}
