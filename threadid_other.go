//go:build !linux

package worker

// currentThreadID is unused on non-Linux platforms (the CPU enforcer there
// is a no-op), but Worker.Exec calls it unconditionally to keep a single
// dispatch path; 0 is never looked up.
func currentThreadID() int { return 0 }
