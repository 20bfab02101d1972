package posix

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// Commands maps each helper's name to a constructor for its command. A fresh command is needed
// for every invocation since cobra keeps the parsed flag values on the command.
func Commands() map[string]func() *cobra.Command {
	return map[string]func() *cobra.Command{
		"mv":      NewMvCommand,
		"rm":      NewRmCommand,
		"mkdir":   NewMkdirCommand,
		"install": NewInstallCommand,
	}
}

// Run executes the helper called args[0] with the remaining arguments. stdout and stderr may be nil.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		return eris.New("no command passed")
	}

	newCmd, ok := Commands()[args[0]]
	if !ok {
		return eris.Errorf("unknown command %s", args[0])
	}

	cmd := newCmd()
	cmd.SetArgs(args[1:])
	if stdout != nil {
		cmd.SetOut(stdout)
	}
	if stderr != nil {
		cmd.SetErr(stderr)
	}
	return cmd.ExecuteContext(ctx)
}

// expandArgs resolves each argument against the context's directory. cmd.exe doesn't expand
// globs so we have to do that ourselves on Windows.
func expandArgs(ctx context.Context, args []string, allowEmpty bool) ([]string, error) {
	items := make([]string, 0, len(args))
	for _, arg := range args {
		arg = Resolve(ctx, arg)

		if runtime.GOOS != "windows" {
			items = append(items, arg)
			continue
		}

		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to resolve pattern %s", arg)
		}

		if matches == nil {
			if allowEmpty {
				continue
			}
			return nil, eris.Errorf("Pattern %s produced no matches", arg)
		}

		items = append(items, matches...)
	}

	return items, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func NewMvCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "mv source... dest",
		Short:         "Cross-platform implementation of the POSIX mv command",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 2 {
				return eris.New("Not enough parameters")
			}

			ctx := commandContext(cmd)
			items, err := expandArgs(ctx, args[:len(args)-1], false)
			if err != nil {
				return err
			}

			return Move(items, Resolve(ctx, args[len(args)-1]))
		},
	}
}

func NewRmCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rm [-r] [-f] path...",
		Short:         "A cross-platform implementation of the POSIX rm command",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			recursive, err := cmd.Flags().GetBool("recursive")
			if err != nil {
				return err
			}

			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return err
			}

			items, err := expandArgs(commandContext(cmd), args, force)
			if err != nil {
				return err
			}

			return Remove(items, recursive, force)
		},
	}

	cmd.Flags().BoolP("recursive", "r", false, "recursively delete directories")
	cmd.Flags().BoolP("force", "f", false, "suppresses errors caused by missing files/folders")
	return cmd
}

func NewMkdirCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mkdir [-p] dir...",
		Short:         "A cross-platform implementation of the POSIX mkdir command",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			makeParents, err := cmd.Flags().GetBool("parents")
			if err != nil {
				return err
			}

			ctx := commandContext(cmd)
			items := make([]string, len(args))
			for idx, arg := range args {
				items[idx] = Resolve(ctx, arg)
			}

			return Mkdir(items, makeParents)
		},
	}

	cmd.Flags().BoolP("parents", "p", false, "create parent directories as needed")
	return cmd
}

func NewInstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install [-m mode] [-T] source dest",
		Short: "Copies a file into place, creating missing directories and setting its mode",
		Long: `Copies source to dest. Missing directories are created and an existing dest is
replaced in a single rename. If dest is a directory, the file keeps its name unless -T
is passed, in which case dest always names the file and an existing directory is an error.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return eris.Errorf("Expected 2 arguments but got %d", len(args))
			}

			rawMode, err := cmd.Flags().GetString("mode")
			if err != nil {
				return err
			}

			mode, err := strconv.ParseUint(rawMode, 8, 32)
			if err != nil {
				return eris.Wrapf(err, "Invalid mode %s", rawMode)
			}

			ctx := commandContext(cmd)
			src := Resolve(ctx, args[0])
			dest := Resolve(ctx, args[1])

			noTargetDir, err := cmd.Flags().GetBool("no-target-directory")
			if err != nil {
				return err
			}

			install := Install
			if noTargetDir {
				install = InstallFile
			}

			var bar *progressbar.ProgressBar
			if progressEnabled(ctx) {
				if info, err := os.Stat(src); err == nil {
					bar = getProgressBar(cmd, info.Size(), "install "+filepath.Base(src))
				}
			}

			if bar == nil {
				return install(src, dest, os.FileMode(mode), nil)
			}

			err = install(src, dest, os.FileMode(mode), bar)
			bar.Finish()
			return err
		},
	}

	cmd.Flags().StringP("mode", "m", "755", "octal permission bits for the installed file")
	cmd.Flags().BoolP("no-target-directory", "T", false, "treat dest as the file to write, never as a directory to write into")
	return cmd
}

func getProgressBar(cmd *cobra.Command, length int64, desc string) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.NewOptions64(length,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionShowBytes(true),
		progressbar.OptionOnCompletion(func() {
			cmd.PrintErrln()
		}),
	)
}
