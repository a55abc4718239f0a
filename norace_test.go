//go:build !race

package coreipc

import "testing"

func skipRace(tb testing.TB) {
	tb.Helper()
}
