package ownet

import (
	"errors"
	"fmt"
	"net"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// netConnBipipe presents a net.Conn as a Bipipe. Forward routes use one of
// these on each side: around the decrypted rendezvous stream, and around the
// dialed backend conn.
type netConnBipipe struct {
	// implements Bipipe
	net.Conn
	*asyncobj.Helper
	name string
}

// NewNetConnBipipe presents conn as a Bipipe. The Bipipe takes ownership of
// conn; shutting the Bipipe down closes it. Half-close is forwarded when the
// conn supports it (TCP, unix, tls.Conn) and is a no-op otherwise, in which
// case end of stream only reaches the remote reader on full close.
func NewNetConnBipipe(logger logger.Logger, conn net.Conn) Bipipe {
	bp := &netConnBipipe{
		Conn: conn,
		name: fmt.Sprintf("<NetConnBipipe %v>", conn.RemoteAddr()),
	}
	bp.Helper = asyncobj.NewHelper(logger.ForkLogStr(bp.name), bp)
	bp.SetIsActivated()
	return bp
}

func (bp *netConnBipipe) String() string {
	return bp.name
}

// Close resolves the ambiguity between the conn's Close and the shutdown
// helper's Close in favor of the helper, so that Close and StartShutdown
// converge on the same once-only teardown.
func (bp *netConnBipipe) Close() error {
	return bp.Helper.Close()
}

// CloseWrite closes only the write side, letting reads continue. Shutdown is
// deferred for the duration so the conn cannot be torn down mid-call.
func (bp *netConnBipipe) CloseWrite() error {
	if err := bp.DeferShutdown(); err != nil {
		return err
	}
	defer bp.UndeferShutdown()
	if whc, ok := bp.Conn.(WriteHalfCloser); ok {
		return whc.CloseWrite()
	}
	return nil
}

// HandleOnceShutdown runs exactly once when shutdown starts; closing the conn
// unblocks any in-flight Read or Write. A close error on a conn that is
// already down does not replace a nil completion.
func (bp *netConnBipipe) HandleOnceShutdown(completionErr error) error {
	closeErr := bp.Conn.Close()
	if completionErr == nil && closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		completionErr = closeErr
	}
	return completionErr
}
