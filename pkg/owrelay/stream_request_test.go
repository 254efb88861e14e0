package owrelay

import (
	"errors"
	"testing"

	"github.com/sammck-go/onionward/pkg/ownet"
	"golang.org/x/crypto/ssh"
)

// fakeNewChannel implements ssh.NewChannel without a live session
type fakeNewChannel struct {
	acceptErr error
	rejected  bool
	reason    ssh.RejectionReason
	message   string
}

func (f *fakeNewChannel) Accept() (ssh.Channel, <-chan *ssh.Request, error) {
	if f.acceptErr != nil {
		return nil, nil, f.acceptErr
	}
	reqs := make(chan *ssh.Request)
	close(reqs)
	return nil, reqs, nil
}

func (f *fakeNewChannel) Reject(reason ssh.RejectionReason, message string) error {
	f.rejected = true
	f.reason = reason
	f.message = message
	return nil
}

func (f *fakeNewChannel) ChannelType() string {
	return StreamChannelType
}

func (f *fakeNewChannel) ExtraData() []byte {
	return nil
}

func testHeader() *StreamHeader {
	return &StreamHeader{Port: 443, Origin: "circuit-77"}
}

func TestStreamRequestAcceptConsumes(t *testing.T) {
	req := newRelayStreamRequest(&fakeNewChannel{}, testHeader())

	desc := req.Descriptor()
	if desc.Port != 443 || desc.Origin != "circuit-77" {
		t.Fatalf("Descriptor() = %+v", desc)
	}

	conn, err := req.Accept()
	if err != nil {
		t.Fatalf("Accept failed: %s", err)
	}
	if conn == nil {
		t.Fatalf("Accept returned a nil conn")
	}

	if _, err = req.Accept(); err == nil {
		t.Errorf("Second Accept did not error")
	}
	if err = req.Reject(ownet.RejectNotAllowed, "late"); err == nil {
		t.Errorf("Reject after Accept did not error")
	}

	// the descriptor stays readable after the request is consumed
	if d := req.Descriptor(); d.Port != 443 {
		t.Errorf("Descriptor after consumption = %+v", d)
	}
}

func TestStreamRequestRejectConsumes(t *testing.T) {
	ch := &fakeNewChannel{}
	req := newRelayStreamRequest(ch, testHeader())

	if err := req.Reject(ownet.RejectNotAllowed, "virtual port not served"); err != nil {
		t.Fatalf("Reject failed: %s", err)
	}
	if !ch.rejected {
		t.Fatalf("Reject did not reach the channel")
	}
	if ch.message != "virtual port not served" {
		t.Errorf("Reject message %q did not reach the channel", ch.message)
	}

	if err := req.Reject(ownet.RejectOverloaded, "again"); err == nil {
		t.Errorf("Second Reject did not error")
	}
	if _, err := req.Accept(); err == nil {
		t.Errorf("Accept after Reject did not error")
	}
}

func TestStreamRequestFailedAcceptStillConsumes(t *testing.T) {
	ch := &fakeNewChannel{acceptErr: errors.New("stream vanished")}
	req := newRelayStreamRequest(ch, testHeader())

	if _, err := req.Accept(); err == nil {
		t.Fatalf("Accept swallowed the channel error")
	}
	if err := req.Reject(ownet.RejectUnavailable, "too late"); err == nil {
		t.Errorf("Reject after failed Accept did not error")
	}
}

func TestRejectReasonWireCodes(t *testing.T) {
	cases := []struct {
		reason   ownet.RejectReason
		expected ssh.RejectionReason
	}{
		{ownet.RejectNotAllowed, ssh.Prohibited},
		{ownet.RejectOverloaded, ssh.ResourceShortage},
		{ownet.RejectUnavailable, ssh.ConnectionFailed},
	}
	for _, c := range cases {
		ch := &fakeNewChannel{}
		req := newRelayStreamRequest(ch, testHeader())
		if err := req.Reject(c.reason, "refused"); err != nil {
			t.Fatalf("Reject(%s) failed: %s", c.reason, err)
		}
		if ch.reason != c.expected {
			t.Errorf("Reject(%s) sent wire code %d, expected %d", c.reason, ch.reason, c.expected)
		}
	}
}
