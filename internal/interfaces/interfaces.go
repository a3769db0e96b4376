// Package interfaces holds the small cross-package interfaces shared by the
// reactor, taskio, clientio and bufpool packages. Kept separate from the
// root package to avoid import cycles.
package interfaces

// Logger is the minimal logging surface the low-level packages depend on,
// satisfied by *logging.Logger.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Registrant is one participant in the event reactor's readiness loop
// (spec.md 4.1): task writers, task readers, and clients all implement it.
type Registrant interface {
	// FD returns the file descriptor to poll.
	FD() int

	// Readable reports whether the registrant currently wants to read.
	Readable() bool

	// Writable reports whether the registrant currently wants to write.
	Writable() bool

	// HandleRead is invoked when FD is readable per Readable's contract.
	HandleRead() error

	// HandleWrite is invoked when FD is writable per Writable's contract.
	HandleWrite() error

	// ShuttingDown reports whether the registrant has reached its own end
	// state (end of stream, a closed pipe, or a Shutdown call, as each
	// implementation defines it); once true and neither Readable nor
	// Writable, the reactor removes and closes it.
	ShuttingDown() bool

	// Shutdown asks the registrant to wind down. The reactor removes it only
	// once ShuttingDown reports true.
	Shutdown()

	// Close releases the registrant's fd and any other resources.
	Close() error
}
