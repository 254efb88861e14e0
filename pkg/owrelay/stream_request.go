package owrelay

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sammck-go/onionward/pkg/ownet"
	"golang.org/x/crypto/ssh"
)

// relayStreamRequest adapts one pending SSH channel from the relay to the
// StreamRequest boundary. A compare-and-swap guard enforces the
// consume-once contract across Accept and Reject.
type relayStreamRequest struct {
	ch       ssh.NewChannel
	desc     ownet.StreamDescriptor
	consumed int32
}

func newRelayStreamRequest(ch ssh.NewChannel, header *StreamHeader) *relayStreamRequest {
	return &relayStreamRequest{
		ch: ch,
		desc: ownet.StreamDescriptor{
			Port:   header.Port,
			Origin: header.Origin,
		},
	}
}

func (r *relayStreamRequest) Descriptor() ownet.StreamDescriptor {
	return r.desc
}

// Accept opens the SSH channel and wraps it as a net.Conn. The conn's
// addresses deliberately carry only the virtual port, never the origin
// token: handlers and request logs read conn addresses, and the origin must
// not reach them.
func (r *relayStreamRequest) Accept() (net.Conn, error) {
	if !atomic.CompareAndSwapInt32(&r.consumed, 0, 1) {
		return nil, fmt.Errorf("Stream request already consumed")
	}
	sshChannel, reqs, err := r.ch.Accept()
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	local := &ownet.StreamAddr{Net: "onion", Addr: fmt.Sprintf("port %d", r.desc.Port)}
	remote := &ownet.StreamAddr{Net: "onion", Addr: "rendezvous"}
	return ownet.NewSSHChanConn(sshChannel, local, remote), nil
}

func (r *relayStreamRequest) Reject(reason ownet.RejectReason, message string) error {
	if !atomic.CompareAndSwapInt32(&r.consumed, 0, 1) {
		return fmt.Errorf("Stream request already consumed")
	}
	return r.ch.Reject(sshRejectionReason(reason), message)
}

// sshRejectionReason maps boundary rejection reasons onto SSH wire codes.
func sshRejectionReason(reason ownet.RejectReason) ssh.RejectionReason {
	switch reason {
	case ownet.RejectNotAllowed:
		return ssh.Prohibited
	case ownet.RejectOverloaded:
		return ssh.ResourceShortage
	case ownet.RejectUnavailable:
		return ssh.ConnectionFailed
	}
	return ssh.Prohibited
}
