package main

import (
	"os"

	"grimm.is/servethis/cmd"
)

func main() {
	os.Exit(cmd.RunServe("serve-this", os.Args[1:]))
}
