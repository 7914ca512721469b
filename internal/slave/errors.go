package slave

import (
	"errors"
	"fmt"
)

// Registry errors.
var (
	ErrNotFound       = errors.New("slave not found")
	ErrNotInRoster    = errors.New("slave not in roster")
	ErrAlreadyOnline  = errors.New("slave already online")
	ErrUnavailable    = errors.New("slave unavailable")
	ErrRemoved        = errors.New("slave removed from roster during handshake")
	ErrHostNotAllowed = errors.New("host not allowed by roster masks")
)

// UnavailableError attributes a failed live call to one slave. It matches
// ErrUnavailable with errors.Is and unwraps to the transport error.
type UnavailableError struct {
	Slave string
	Err   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("slave %s unavailable: %v", e.Slave, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is reports whether target is ErrUnavailable.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Unavailable wraps err as an UnavailableError for slave. A nil err yields nil.
func Unavailable(slave string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UnavailableError
	if errors.As(err, &ue) && ue.Slave == slave {
		return err
	}
	return &UnavailableError{Slave: slave, Err: err}
}

// IsUnavailable reports whether err is a slave-unavailable failure and, if
// so, which slave it names.
func IsUnavailable(err error) (string, bool) {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return ue.Slave, true
	}
	return "", errors.Is(err, ErrUnavailable)
}
