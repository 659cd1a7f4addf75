// Package cli builds the favsync command tree.
package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"favsync/internal/telegram"
)

// Deps carries collaborators that cannot be built from configuration alone.
type Deps struct {
	// Telegram is the channel client used by the telegram source. When nil
	// the source is unavailable.
	Telegram telegram.Client
	Stdout   io.Writer
	Stderr   io.Writer
}

type rootOptions struct {
	configPath string
	logLevel   string
	jsonOut    bool
}

func Run(args []string) error {
	return RunWith(args, Deps{})
}

func RunWith(args []string, deps Deps) error {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	root := newRootCommand(deps)
	root.SetArgs(args)
	return root.Execute()
}

func newRootCommand(deps Deps) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "favsync",
		Short: "Archive favorited videos from remote services into local folders",
		Long: `favsync lists the favorites of each configured source, skips what the
ledger already records, downloads the rest into the source folder and
records every placed file so later passes skip it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(deps.Stdout)
	root.SetErr(deps.Stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default $FAVSYNC_CONFIG or ./config.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "override log.level")
	flags.BoolVar(&opts.jsonOut, "json", false, "print JSON output")

	root.AddCommand(newSyncCommand(opts, deps))
	root.AddCommand(newDoctorCommand(opts, deps))
	return root
}
