package main

import "os/user"

// currentUsername backs --me: cancel as whatever account invoked
// scancel. Falls back to empty (no user filter) if the lookup fails,
// rather than failing the whole command over an unrelated syscall
// problem.
func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}
