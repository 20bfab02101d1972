package cmd

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/ngld/depi/build-tools/pkg/posix"
)

// newPosixCommands returns the cross-platform mv, rm, mkdir and install commands. Task commands
// use the same implementations in-process.
func newPosixCommands() []*cobra.Command {
	constructors := posix.Commands()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)

	cmds := make([]*cobra.Command, 0, len(names))
	for _, name := range names {
		cmds = append(cmds, constructors[name]())
	}

	return cmds
}
