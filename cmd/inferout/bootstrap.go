package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dreamware/inferout/internal/cluster"
)

func newBootstrapCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the cluster identity in Redis",
		Long: `bootstrap writes the cluster identity record once. Running it against
an existing cluster leaves the record untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, c, err := a.connect()
			if err != nil {
				return err
			}
			defer rdb.Close()

			err = c.Bootstrap(cmd.Context())
			if errors.Is(err, cluster.ErrLockNotAcquired) {
				return fmt.Errorf("another process is bootstrapping cluster %q, try again", a.cfg.Cluster.Name)
			}
			return err
		},
	}
}
