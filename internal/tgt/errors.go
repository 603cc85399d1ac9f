package tgt

import "github.com/cuemby/nvmeof-gw/internal/gwerr"

// Engine error codes the target engine is documented to return. Anything
// outside this table maps to gwerr.Internal with the engine code preserved
// in the wrapped cause.
const (
	engineErrNotFound      = 2
	engineErrExists        = 17
	engineErrInvalid       = 22
	engineErrBusy          = 16
	engineErrNoSpace       = 28
	engineErrUnreachable   = 111
)

// toCanonical maps an engine RPC error onto the closest canonical kind,
// preserving the engine code and message as the wrapped cause per §7.
func toCanonical(method string, e *rpcError) error {
	cause := &EngineError{Method: method, Code: e.Code, Message: e.Message}
	switch e.Code {
	case engineErrNotFound:
		return gwerr.Wrap(gwerr.NotFound, cause, "tgt %s", method)
	case engineErrExists:
		return gwerr.Wrap(gwerr.AlreadyExists, cause, "tgt %s", method)
	case engineErrInvalid:
		return gwerr.Wrap(gwerr.InvalidArgument, cause, "tgt %s", method)
	case engineErrBusy:
		return gwerr.Wrap(gwerr.FailedPrecond, cause, "tgt %s", method)
	case engineErrNoSpace:
		return gwerr.Wrap(gwerr.ResourceExhaust, cause, "tgt %s", method)
	case engineErrUnreachable:
		return gwerr.Wrap(gwerr.Unavailable, cause, "tgt %s", method)
	default:
		return gwerr.Wrap(gwerr.Internal, cause, "tgt %s", method)
	}
}

// EngineError preserves the engine-specific code and message alongside the
// canonical kind gwerr assigns it.
type EngineError struct {
	Method  string
	Code    int
	Message string
}

func (e *EngineError) Error() string {
	return e.Message
}
