//go:build windows

// ABOUTME: Privilege check for windows agents
// ABOUTME: An elevated process token counts as admin

package inventory

import "golang.org/x/sys/windows"

func isAdmin() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
