package op

import "fmt"

// Status is the lifecycle state of a Stage.
type Status int

const (
	// Inited is the state of a freshly constructed stage. Only an Inited stage may execute.
	Inited Status = iota

	// Executed indicates Execute returned successfully. Dynamic IO is available from here on.
	Executed

	// Error indicates Execute failed. The stage cannot be executed again.
	Error
)

// String returns a human-readable representation of the Status.
func (s Status) String() string {
	switch s {
	case Inited:
		return "inited"
	case Executed:
		return "executed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == Executed || s == Error
}

// MarshalText encodes the status by name so persisted records stay readable.
func (s Status) MarshalText() ([]byte, error) {
	if s < Inited || s > Error {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "inited":
		*s = Inited
	case "executed":
		*s = Executed
	case "error":
		*s = Error
	default:
		return fmt.Errorf("invalid status %q", string(b))
	}
	return nil
}
