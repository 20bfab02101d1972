package main

import (
	"os"

	"github.com/ngld/depi/build-tools/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
