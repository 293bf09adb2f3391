// Package errs defines the sentinel error kinds used across pgmover's
// migration core, matched with errors.Is against the wrapped cause.
package errs

import "errors"

var (
	// ErrOutOfMemory signals that assembling a rewritten TOC exceeded the
	// archive.Rewriter's MaxListSize limit. No partial file is ever
	// written when this is returned. Batched DDL statements have no such
	// limit and never return it.
	ErrOutOfMemory = errors.New("pgmover: out of memory")

	// ErrIO signals a file read/write or pipe failure.
	ErrIO = errors.New("pgmover: io error")

	// ErrChildFailure signals that an external dumper/restorer process
	// exited with a nonzero status.
	ErrChildFailure = errors.New("pgmover: child process failed")

	// ErrProtocol signals a malformed stream line or an unexpected
	// response from a server during replay.
	ErrProtocol = errors.New("pgmover: protocol error")

	// ErrPreconditionViolation signals a fatal precondition failure, such
	// as a missing archive file at restore time.
	ErrPreconditionViolation = errors.New("pgmover: precondition violation")

	// ErrTransientExternal signals a connection reset or server restart;
	// fatal to the current invocation, recoverable by restart.
	ErrTransientExternal = errors.New("pgmover: transient external error")

	// ErrBug signals an unreachable code path.
	ErrBug = errors.New("pgmover: internal bug")
)
