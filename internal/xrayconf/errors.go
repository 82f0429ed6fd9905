package xrayconf

import "fmt"

// ConfigError reports a document that cannot be turned into a runtime config.
// The previously running configuration must be kept when it is returned.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xray config: %s: %v", e.Msg, e.Err)
	}
	return "xray config: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// PartialUserError is a credential problem with a single user. It never
// aborts a batch; callers log it and move on.
type PartialUserError struct {
	UserID   uint
	Protocol string
	Err      error
}

func (e *PartialUserError) Error() string {
	return fmt.Sprintf("user %d %s credentials: %v", e.UserID, e.Protocol, e.Err)
}

func (e *PartialUserError) Unwrap() error { return e.Err }
