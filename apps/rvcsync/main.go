package main

import (
	"os"

	"github.com/quatton/rvcsync/apps/rvcsync/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
