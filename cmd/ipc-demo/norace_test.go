//go:build !race

package main

import "testing"

func skipRace(tb testing.TB) {
	tb.Helper()
}
