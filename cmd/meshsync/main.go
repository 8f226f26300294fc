// Command meshsync runs replicating nodes, the directory service, and
// replication scenarios.
package main

import (
	"os"

	"github.com/roach88/meshsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
