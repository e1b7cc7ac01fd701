package types

import "errors"

var (
	ErrServerNotRegistered      = errors.New("server not registered")
	ErrServerAlreadyRegistered  = errors.New("server already registered")
	ErrServerAlreadyActive      = errors.New("server already active")
	ErrServerAlreadyInstalled   = errors.New("server already installed")
	ErrServerAlreadyUninstalled = errors.New("server already uninstalled")
	ErrServerHeldDown           = errors.New("server held down")
	ErrServerNotActive          = errors.New("server not active")
	ErrNoSuchEndpoint           = errors.New("no such endpoint")
	ErrInvalidORBID             = errors.New("invalid ORB id")
	ErrORBAlreadyRegistered     = errors.New("ORB already registered")
	ErrBadServerDefinition      = errors.New("bad server definition")

	// ErrUnexpectedRegistration is an internal consistency error: a process
	// announced itself for a server the daemon never activated.
	ErrUnexpectedRegistration = errors.New("server not expected to register")
)

// ErrorCode returns the stable wire code for a sentinel error, or "INTERNAL"
// when err does not wrap one of them.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// ErrorForCode is the inverse of ErrorCode. Unknown codes return nil.
func ErrorForCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

var errorCodes = []struct {
	code string
	err  error
}{
	{"SERVER_NOT_REGISTERED", ErrServerNotRegistered},
	{"SERVER_ALREADY_REGISTERED", ErrServerAlreadyRegistered},
	{"SERVER_ALREADY_ACTIVE", ErrServerAlreadyActive},
	{"SERVER_ALREADY_INSTALLED", ErrServerAlreadyInstalled},
	{"SERVER_ALREADY_UNINSTALLED", ErrServerAlreadyUninstalled},
	{"SERVER_HELD_DOWN", ErrServerHeldDown},
	{"SERVER_NOT_ACTIVE", ErrServerNotActive},
	{"NO_SUCH_ENDPOINT", ErrNoSuchEndpoint},
	{"INVALID_ORB_ID", ErrInvalidORBID},
	{"ORB_ALREADY_REGISTERED", ErrORBAlreadyRegistered},
	{"BAD_SERVER_DEFINITION", ErrBadServerDefinition},
	{"UNEXPECTED_REGISTRATION", ErrUnexpectedRegistration},
}
