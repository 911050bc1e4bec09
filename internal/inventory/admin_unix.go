//go:build !windows

// ABOUTME: Privilege check for unix agents
// ABOUTME: Root counts as admin

package inventory

import "os"

func isAdmin() bool {
	return os.Geteuid() == 0
}
