// This program performs administrative tasks for the seagull ledger.
package main

import (
	"os"

	"github.com/seagullcoin/blockchain/app/tooling/admin/commands"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {
	if err := commands.Execute(build); err != nil {
		os.Exit(1)
	}
}
