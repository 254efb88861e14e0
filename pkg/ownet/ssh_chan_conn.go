package ownet

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// StreamAddr is a net.Addr describing one end of an overlay rendezvous
// stream. The network is a label like "onion"; the address is whatever the
// transport knows about that end, which for the remote end of an anonymous
// stream may be no more than an opaque token.
type StreamAddr struct {
	Net  string
	Addr string
}

// Network returns the network label for the address
func (a *StreamAddr) Network() string {
	return a.Net
}

func (a *StreamAddr) String() string {
	return a.Addr
}

// SSHChanConn presents an ssh.Channel as a net.Conn so that it can be handed
// to code that speaks net.Conn (TLS handshakes, HTTP serving). Byte counts in
// both directions are tracked with atomic counters.
//
// ssh channels have no deadline support, so the deadline methods succeed
// without effect; callers that need to abort a blocked Read or Write close
// the conn, which unblocks them.
type SSHChanConn struct {
	// implements net.Conn
	ssh.Channel
	name            string
	localAddr       net.Addr
	remoteAddr      net.Addr
	numBytesRead    int64
	numBytesWritten int64
}

// NewSSHChanConn wraps an ssh.Channel in a net.Conn. The conn becomes the
// owner of the channel and closes it when the conn is closed. local and
// remote become the conn's addresses; nil selects a placeholder StreamAddr.
func NewSSHChanConn(ch ssh.Channel, local net.Addr, remote net.Addr) *SSHChanConn {
	if local == nil {
		local = &StreamAddr{Net: "onion", Addr: "local"}
	}
	if remote == nil {
		remote = &StreamAddr{Net: "onion", Addr: "remote"}
	}
	return &SSHChanConn{
		Channel:    ch,
		name:       fmt.Sprintf("<SSHChanConn %v>", remote),
		localAddr:  local,
		remoteAddr: remote,
	}
}

func (c *SSHChanConn) String() string {
	return c.name
}

// Read implements net.Conn.Read, counting bytes
func (c *SSHChanConn) Read(p []byte) (n int, err error) {
	n, err = c.Channel.Read(p)
	atomic.AddInt64(&c.numBytesRead, int64(n))
	return n, err
}

// Write implements net.Conn.Write, counting bytes
func (c *SSHChanConn) Write(p []byte) (n int, err error) {
	n, err = c.Channel.Write(p)
	atomic.AddInt64(&c.numBytesWritten, int64(n))
	return n, err
}

// GetNumBytesRead returns the number of bytes read so far from the stream
func (c *SSHChanConn) GetNumBytesRead() int64 {
	return atomic.LoadInt64(&c.numBytesRead)
}

// GetNumBytesWritten returns the number of bytes written so far to the stream
func (c *SSHChanConn) GetNumBytesWritten() int64 {
	return atomic.LoadInt64(&c.numBytesWritten)
}

// LocalAddr returns the local address of the stream
func (c *SSHChanConn) LocalAddr() net.Addr {
	return c.localAddr
}

// RemoteAddr returns the remote address of the stream
func (c *SSHChanConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// SetDeadline succeeds without effect; ssh channels cannot enforce deadlines.
func (c *SSHChanConn) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline succeeds without effect; ssh channels cannot enforce deadlines.
func (c *SSHChanConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline succeeds without effect; ssh channels cannot enforce deadlines.
func (c *SSHChanConn) SetWriteDeadline(t time.Time) error {
	return nil
}
