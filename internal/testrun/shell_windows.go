//go:build windows

package testrun

// ShellArgs wraps script for the platform shell.
func ShellArgs(script string) []string {
	return []string{"cmd", "/c", script}
}
