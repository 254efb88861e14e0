package ownet

import (
	"fmt"
	"io"
	"sync"

	"github.com/jpillora/sizestr"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// StreamBridge is the interface to a background task that moves bytes in both
// directions between two Bipipes; a forward route uses one to couple a
// decrypted rendezvous stream to a local backend connection. It takes
// ownership of both Bipipes and shuts itself and them down when the streams
// are complete in both directions, or when an error occurs.
type StreamBridge interface {
	fmt.Stringer

	// Allows asynchronous shutdown/close of both Bipipes with an advisory error to be
	// subsequently returned from current and future APIs. After shutdown is started, the
	// forwarding workers complete quickly. WaitShutdown() returns nil if all traffic
	// reached end of stream in both directions and shutdown was clean.
	asyncobj.AsyncShutdowner

	// GetNumBytesWritten returns the number of bytes written so far to one of the bridged
	// Bipipes. edgeIndex must be 0 or 1. Counts update as data moves, so this may be used
	// to monitor a live bridge; it may also be called after shutdown for the final totals.
	GetNumBytesWritten(edgeIndex int) uint64
}

// bridgeEdge holds one of the bridged Bipipes and its write count
type bridgeEdge struct {
	pipe      Bipipe
	nbWritten uint64
}

// DefaultBridgeBufferSize is the per-direction buffer size used when the caller does not
// specify one.
const DefaultBridgeBufferSize = 32 * 1024

// streamBridge is a background task that bridges traffic in both directions between two
// Bipipes. It shuts itself down when both directions are complete or an error occurs.
type streamBridge struct {
	*asyncobj.Helper

	name string

	// edges holds the two bridged Bipipes and per-edge state; always length 2
	edges []*bridgeEdge

	// forwarderWg becomes unblocked when both directional forwarding goroutines
	// have completed
	forwarderWg sync.WaitGroup
}

// NewStreamBridge starts a new background task that forwards traffic in both directions
// between two Bipipes. On return the bridge is already running. bufferSize is the
// per-direction copy buffer size; 0 selects DefaultBridgeBufferSize. The caller gives up
// ownership of both Bipipes.
func NewStreamBridge(
	logger logger.Logger,
	pipe0 Bipipe,
	pipe1 Bipipe,
	bufferSize int,
) StreamBridge {
	name := fmt.Sprintf("[Bridge %v <=> %v]", pipe0, pipe1)
	sb := &streamBridge{
		name: name,
		edges: []*bridgeEdge{
			{pipe: pipe0},
			{pipe: pipe1},
		},
	}
	sb.Helper = asyncobj.NewHelper(logger.ForkLogStr(name), sb)

	sb.forwarderWg.Add(2)
	sb.SetIsActivated()
	go sb.forwardOneDirection(sb.edges[0], sb.edges[1], bufferSize)
	go sb.forwardOneDirection(sb.edges[1], sb.edges[0], bufferSize)
	go func() {
		sb.forwarderWg.Wait()
		sb.DLog("Both forwarding goroutines completed; cleaning up")
		sb.StartShutdown(nil)
	}()

	return sb
}

func (sb *streamBridge) String() string {
	return sb.name
}

// GetNumBytesWritten returns the number of bytes written so far to one of the bridged
// Bipipes. edgeIndex must be 0 or 1.
func (sb *streamBridge) GetNumBytesWritten(edgeIndex int) uint64 {
	sb.Lock.Lock()
	defer sb.Lock.Unlock()
	return sb.edges[edgeIndex].nbWritten
}

// HandleOnceShutdown will be called exactly once by asyncobj.Helper, in its own goroutine.
// It takes completionError as an advisory completion value, actually shuts down, then
// returns the real completion value.
func (sb *streamBridge) HandleOnceShutdown(completionErr error) error {
	finalErr := completionErr

	// Shut down both bridged Bipipes so all blocked reads and writes fail and
	// the forwarding goroutines exit soon
	for _, edge := range sb.edges {
		edge.pipe.StartShutdown(completionErr)
	}

	sb.forwarderWg.Wait()

	for _, edge := range sb.edges {
		err := edge.pipe.WaitShutdown()
		if err != nil && finalErr == nil {
			finalErr = err
		}
	}

	return finalErr
}

// forwardOneDirection runs in its own goroutine; it copies bytes from srcEdge to dstEdge
// until end of stream or error, keeping the write count current. On clean end of stream
// the write half of dstEdge is closed so the far reader sees EOF. On any error the whole
// bridge is scheduled for shutdown. The forwarder wait group is signalled on completion.
func (sb *streamBridge) forwardOneDirection(srcEdge *bridgeEdge, dstEdge *bridgeEdge, bufferSize int) {
	src := srcEdge.pipe
	dst := dstEdge.pipe
	if bufferSize == 0 {
		bufferSize = DefaultBridgeBufferSize
	}
	buffer := make([]byte, bufferSize)
	var err error
	for {
		nbr, rerr := src.Read(buffer)
		if nbr > 0 {
			nbw, werr := dst.Write(buffer[:nbr])
			if nbw > 0 {
				sb.Lock.Lock()
				dstEdge.nbWritten += uint64(nbw)
				sb.Lock.Unlock()
			}
			if werr == nil && nbw < nbr {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				err = werr
				break
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			err = rerr
			break
		}
	}
	if err == nil {
		sb.DLogf("Closing write side of %v after %s", dst, sizestr.ToString(int64(dstEdge.nbWritten)))
		err = dst.CloseWrite()
	}
	if err != nil {
		// It's ok to always call StartShutdown here, but the logs are clearer this way
		if sb.IsStartedShutdown() {
			sb.DLogf("Forwarder to %v failed after %s, already shutting down; cleaning up: %s", dst, sizestr.ToString(int64(dstEdge.nbWritten)), err)
		} else {
			sb.DLogf("Forwarder to %v failed after %s; shutting down: %s", dst, sizestr.ToString(int64(dstEdge.nbWritten)), err)
			sb.StartShutdown(err)
		}
	} else {
		sb.DLogf("Forwarder to %v finished successfully after %s", dst, sizestr.ToString(int64(dstEdge.nbWritten)))
	}
	sb.forwarderWg.Done()
}
