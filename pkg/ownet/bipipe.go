package ownet

import (
	"fmt"
	"io"

	"github.com/sammck-go/asyncobj"
)

// WriteHalfCloser is implemented by streams that can close their write side
// independently of their read side, corresponding to net.TCPConn.CloseWrite().
type WriteHalfCloser interface {
	// CloseWrite closes the write side of the stream, so the remote reader
	// receives EOF, while allowing local reads to continue. Writes after
	// CloseWrite() return an error.
	CloseWrite() error
}

// Bipipe is an open bidirectional byte stream with independent close of the
// write half and asynchronous shutdown. In this package it is either:
//      1) a decrypted rendezvous stream delivered by the overlay transport, or
//      2) a local net.Conn to a backend service that an admitted stream is
//         being forwarded to.
//
// A forward route couples one of each and moves bytes between them in both
// directions until both sides reach end of stream.
//
// The interface intentionally looks and acts like a TCP socket, so a net.Conn
// can be wrapped into a Bipipe trivially. Like a TCP socket, the write side
// may be closed while reads continue, which supports request/EOF/response
// protocols.
type Bipipe interface {
	// Stringer provides a short descriptive name used for logging; it should
	// be cached for speed.
	fmt.Stringer

	// ReadWriteCloser provides standard bidirectional i/o. Read() returns
	// io.EOF at end of stream. Close() is equivalent to StartShutdown(nil)
	// followed by WaitShutdown(); repeated calls are allowed and return the
	// same result.
	io.ReadWriteCloser

	// WriteHalfCloser closes only the write side. May not be called
	// concurrently with Write().
	WriteHalfCloser

	// AsyncShutdowner allows asynchronous shutdown with an advisory error
	// that is subsequently returned from Close() or WaitShutdown(). After
	// shutdown starts, reads and writes complete quickly with errors. A nil
	// result from WaitShutdown() means all written data was delivered and
	// the full remote stream was consumed.
	asyncobj.AsyncShutdowner
}
