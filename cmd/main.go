package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/ngld/depi/build-tools/pkg/buildsys"
	"github.com/ngld/depi/build-tools/pkg/buildsys/cmd"
	"github.com/ngld/depi/build-tools/pkg/posix"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tool",
		Short: "Build tools for depi",
		Long: `This command bundles the tools that are used to build and install depi.
This includes the task runner and cross-platform implementations of mv, rm, mkdir and install.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(cmd.NewTaskCommand())
	rootCmd.AddCommand(newPosixCommands()...)
	return rootCmd
}

// Execute runs the root command. The process exits with the status of the first failing
// task command (or 1 for any other error).
func Execute() int {
	rootCmd := newRootCmd()
	ctx := posix.WithProgress(context.Background(), os.Getenv("CI") != "true")
	executed, err := rootCmd.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}

	// the task command logs its own errors
	if executed == nil || executed.Name() != "task" {
		rootCmd.PrintErrln("Error:", err)
	}

	return buildsys.ExitCode(err)
}
