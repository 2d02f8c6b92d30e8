//go:build linux

package worker

import "golang.org/x/sys/unix"

func currentThreadID() int {
	return unix.Gettid()
}
