package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"favsync/internal/archive"
)

type syncOptions struct {
	sources  []string
	progress bool
}

type syncReport struct {
	Passes   []archive.PassResult `json:"passes"`
	Archived int                  `json:"archived"`
	Failures int                  `json:"failures"`
	Errors   []string             `json:"errors,omitempty"`
}

func newSyncCommand(root *rootOptions, deps Deps) *cobra.Command {
	opts := &syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass per source",
		Long: `Runs one pass for each selected source. A failed source does not stop
the others; the command exits non-zero when any pass reports errors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, root, opts, deps)
		},
	}
	cmd.Flags().StringSliceVar(&opts.sources, "source", nil, "source to sync (repeatable; default all enabled)")
	cmd.Flags().BoolVar(&opts.progress, "progress", true, "show live progress on stderr")
	return cmd
}

func runSync(ctx context.Context, root *rootOptions, opts *syncOptions, deps Deps) error {
	a, err := newApp(root, deps, opts.progress && !root.jsonOut)
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	sources, err := a.sources(opts.sources, deps)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return errors.New("no sources enabled")
	}

	report := syncReport{}
	var errs []error
	for _, src := range sources {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := a.runner.Run(ctx, src)
		report.Passes = append(report.Passes, res)
		report.Archived += res.Archived
		report.Failures += len(res.Failures)
		if err != nil {
			var pe *archive.PassError
			if !errors.As(err, &pe) {
				err = fmt.Errorf("%s: %w", src.Name(), err)
			}
			a.log.Error().Err(err).Str("source", src.Name()).Msg("sync pass finished with errors")
			report.Errors = append(report.Errors, err.Error())
			errs = append(errs, err)
		}
	}

	if root.jsonOut {
		if err := printJSON(deps.Stdout, report); err != nil {
			return err
		}
	} else {
		for _, p := range report.Passes {
			fmt.Fprintf(deps.Stdout, "%s: listed=%d known=%d invalid=%d archived=%d duplicates=%d failed=%d size=%s\n",
				p.Source, p.Listed, p.Known, p.Invalid, p.Archived, p.Duplicates, len(p.Failures), archive.FormatBytesIEC(p.Bytes))
			for _, f := range p.Files {
				fmt.Fprintf(deps.Stdout, "  + %s\n", f)
			}
		}
	}
	return errors.Join(errs...)
}
