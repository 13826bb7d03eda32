//go:build !unix

package main

import "os"

// notifyResize is a no-op on platforms without SIGWINCH.
func notifyResize() (<-chan os.Signal, func()) {
	return nil, func() {}
}
