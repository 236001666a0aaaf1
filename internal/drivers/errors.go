// internal/drivers/errors.go
package drivers

import "errors"

var (
	ErrDriverNotFound = errors.New("no driver registered for this camera kind")
	ErrNotInitialized = errors.New("driver not initialized")
)
