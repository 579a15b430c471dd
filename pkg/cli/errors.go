package cli

import "errors"

// Common CLI errors
var (
	ErrNoConfig     = errors.New("no config file - pass --config or set " + ConfigEnv)
	ErrNotHealthy   = errors.New("faultd is not healthy")
	ErrInvalidValue = errors.New("runtime value must be a non-negative integer")
)
