package proxy

import "errors"

// Startup error classes; the CLI maps them to exit codes.
var (
	// ErrConfig marks an invalid configuration (exit code 1).
	ErrConfig = errors.New("proxy: configuration error")

	// ErrBind marks a listening-socket failure (exit code 2).
	ErrBind = errors.New("proxy: bind failed")

	// ErrCAMaterial marks missing or invalid CA material with MITM enabled
	// (exit code 3).
	ErrCAMaterial = errors.New("proxy: CA material missing or invalid")
)
