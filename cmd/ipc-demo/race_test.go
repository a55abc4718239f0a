//go:build race

package main

import "testing"

// skipRace skips tests that run over the lfq-backed Pipe. The race
// detector tracks per-variable happens-before and cannot see SPSC's
// cross-variable memory ordering, producing false positives.
func skipRace(tb testing.TB) {
	tb.Helper()
	tb.Skip("skip: Pipe uses SPSC cross-variable memory ordering")
}
