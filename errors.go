package iac

import "errors"

// Non-fatal errors (§7): the operation is rejected, logged, and callers
// keep running. These are returned from netmodel/route/proto operations,
// never panicked.
var (
	ErrAddDuplicate        = errors.New("iac: id already registered")
	ErrRemoveOfInvalid     = errors.New("iac: removing unknown id")
	ErrNoRegisteredEndpoints = errors.New("iac: node updated before any local endpoint registered")
	ErrPayloadTooLarge     = errors.New("iac: payload exceeds maximum size")
	ErrReaderOutOfBounds   = errors.New("iac: buffer read out of bounds")
	ErrWriterGrow          = errors.New("iac: buffer writer could not grow")
	ErrProtocolFraming     = errors.New("iac: protocol framing desync")
)

// Fatal errors (§7): model inconsistency or resource exhaustion that the
// caller cannot recover from without external intervention. These are
// delivered to a Node's FatalHandler (never os.Exit, see DESIGN.md);
// FatalError wraps the underlying sentinel so callers can still
// errors.Is-match it.
var (
	ErrOutOfTrID                 = errors.New("iac: no more local transport-route ids available")
	ErrNonExisting                = errors.New("iac: reachable node has no local routes")
	ErrEmptyNetworkEntryDereference = errors.New("iac: dereferenced an empty managed entry")
	ErrCopyingNonEmpty            = errors.New("iac: copy into a non-empty managed entry")
	ErrBindingToNonEmpty          = errors.New("iac: bind onto a non-empty managed entry")
)

// FatalError marks an error as belonging to the fatal taxonomy (§7): the
// network model is in an inconsistent state and the embedding process
// should treat this as unrecoverable for the affected Node (typically by
// discarding and recreating it). It carries a text snapshot of the
// network model at the time of failure, analogous to the original
// implementation's textual network_representation dump.
type FatalError struct {
	Err  error
	Dump string
}

func (f *FatalError) Error() string {
	if f.Dump == "" {
		return f.Err.Error()
	}
	return f.Err.Error() + "\n" + f.Dump
}

func (f *FatalError) Unwrap() error {
	return f.Err
}
