// Command metaopt runs and inspects decentralized hyperparameter
// searches. Every subcommand talks only to the shared store; any number
// of metaopt processes on any number of hosts cooperate through it.
package main

import (
	"log"
	"os"
)

func main() {
	log.SetPrefix("metaopt: ")
	log.SetFlags(log.Ltime)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
