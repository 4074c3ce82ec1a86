// Command tokenflow runs a node in a decentralized, Petri-net-style
// workflow token-routing mesh. See cli.RootCmd for the command tree.
package main

import (
	"log"

	"tokenflow.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
