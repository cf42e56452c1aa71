// Package embedded holds static assets compiled into the binary.
package embedded

import (
	"embed"
)

// Files holds the built-in status page served at the HTTP root.
//
//go:embed web
var Files embed.FS
