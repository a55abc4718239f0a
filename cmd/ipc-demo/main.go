// ipc-demo exercises coreipc connections over sockets and in-process pipes.
//
// Run:  go run ./cmd/ipc-demo serve --listen unix:/tmp/coreipc.sock
//
//	go run ./cmd/ipc-demo call --addr unix:/tmp/coreipc.sock --count 1000 --parallel 4
//	go run ./cmd/ipc-demo pingpong --depth 8
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
