package subscribe

import (
	"github.com/juju/errors"
)

// error classes surfaced by the session, controller and reconciler
// concrete errors annotate one of these so that `errors.Is` classifies them
const (
	// transport close/error. recovered by rebuilding session, controller and state
	ConnectionError = errors.ConstError("connection error")
	// the server reported an `Error` message
	ProtocolError = errors.ConstError("protocol error")
	// timestamp regression inside the state. the state can no longer be trusted
	StateInvariantError = errors.ConstError("invalid state")
	// missing or invalid connection fields
	ConfigurationError = errors.ConstError("configuration error")
)

const ErrNotReady = errors.ConstError("connection not ready")

func IsConnectionError(err error) bool {
	return errors.Is(err, ConnectionError)
}

func IsProtocolError(err error) bool {
	return errors.Is(err, ProtocolError)
}

func IsStateInvariantError(err error) bool {
	return errors.Is(err, StateInvariantError)
}

func IsConfigurationError(err error) bool {
	return errors.Is(err, ConfigurationError)
}

// stable label for metrics and status output
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsStateInvariantError(err):
		return "invariant"
	case IsProtocolError(err):
		return "protocol"
	case IsConnectionError(err):
		return "connection"
	case IsConfigurationError(err):
		return "configuration"
	default:
		return "unknown"
	}
}

func connectionErrorf(format string, a ...any) error {
	return errors.Annotatef(ConnectionError, format, a...)
}

func protocolErrorf(format string, a ...any) error {
	return errors.Annotatef(ProtocolError, format, a...)
}

func stateInvariantErrorf(format string, a ...any) error {
	return errors.Annotatef(StateInvariantError, format, a...)
}

func configurationErrorf(format string, a ...any) error {
	return errors.Annotatef(ConfigurationError, format, a...)
}
