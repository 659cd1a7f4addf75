package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"favsync/internal/config"
	"favsync/internal/doctor"
)

func newDoctorCommand(opts *rootOptions, deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run dependency and filesystem preflight checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			res := doctor.Run(cfg)
			if opts.jsonOut {
				if err := printJSON(deps.Stdout, res); err != nil {
					return err
				}
			} else {
				for _, c := range res.Checks {
					status := "ok"
					if !c.OK {
						status = "fail"
					}
					fmt.Fprintf(deps.Stdout, "%s: %s (%s)\n", c.Name, status, c.Message)
				}
			}
			if !res.OK {
				return errors.New("doctor checks failed")
			}
			if !opts.jsonOut {
				fmt.Fprintln(deps.Stdout, "doctor: all checks passed")
			}
			return nil
		},
	}
}
