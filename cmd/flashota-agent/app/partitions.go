package app

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/flashota/cmd/flashota-agent/app/options"
	"github.com/autopeer-io/flashota/internal/flashagent/bootstate"
	"github.com/autopeer-io/flashota/internal/flashagent/partition"
)

func newPartitionsCommand(opts *options.AgentOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "Print the partition layout and the boot slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.Config()
			if err != nil {
				return err
			}
			layout, err := cfg.Layout()
			if err != nil {
				return err
			}
			dir, err := partition.NewDirectory(layout)
			if err != nil {
				return err
			}

			var store *bootstate.Store
			if _, err := os.Stat(opts.BootOptions.StateFile); err == nil {
				store, err = bootstate.Open(opts.BootOptions.StateFile, dir.Slots())
				if err != nil {
					return err
				}
				defer store.Close()
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}

			return printPartitions(cmd.OutOrStdout(), dir, store)
		},
	}
}

func printPartitions(w io.Writer, dir *partition.Directory, store *bootstate.Store) error {
	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("NAME", "ADDRESS", "SIZE", "TYPE", "SUBTYPE", "BOOT")

	for _, p := range dir.All() {
		table.AddRow(p.Name, fmt.Sprintf("0x%08x", p.Address), fmt.Sprintf("0x%x", p.Size), p.Type, p.SubType, bootMarker(p, store))
	}

	if _, err := fmt.Fprintln(w, table); err != nil {
		return err
	}
	if store == nil {
		_, err := fmt.Fprintln(w, "\nno boot record yet; the first application slot boots")
		return err
	}
	return nil
}

func bootMarker(p partition.Partition, store *bootstate.Store) string {
	if store == nil || p.Type != partition.TypeApplication {
		return ""
	}
	running, next := store.CurrentBoot() == p, store.Next() == p
	switch {
	case running && next:
		return "running,next"
	case running:
		return "running"
	case next:
		return "next"
	}
	return ""
}
