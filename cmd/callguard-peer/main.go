// Command callguard-peer is a terminal peer for the callguard relay.
//
// Usage:
//
//	callguard-peer [flags] <command> [args]
//
// Commands:
//
//	call     - Place a call and score the local transcript read from stdin
//	listen   - Wait for incoming calls and answer them
//	score    - Score a transcript from stdin without placing a call
//	flag     - Add a number to the flagged set
//	check    - Check whether a number is flagged
//	flagged  - List flagged numbers
package main

import (
	"fmt"
	"os"

	"github.com/wilsonzlin/aero/proxy/callguard/cmd/callguard-peer/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
