package cli

import (
	"errors"
	"syscall"
)

// Common CLI errors
var (
	ErrInvalidConfig = errors.New("configuration is invalid")
)

func isAddrInUseError(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
