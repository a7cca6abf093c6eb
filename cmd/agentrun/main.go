// agentrun is the command-line surface of the agent execution engine:
// it runs tasks, manages credential profiles, and drives the worktree
// review workflow.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
