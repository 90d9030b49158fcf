package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func dmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dm",
		Short: "Inspect the store-and-forward DM queue",
	}

	cmd.AddCommand(dmListCmd())
	cmd.AddCommand(dmPurgeCmd())

	return cmd
}

func dmListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List undelivered DMs, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			rows, err := st.AllPendingDMs(limit)
			if err != nil {
				return fmt.Errorf("list dms: %w", err)
			}
			if len(rows) == 0 {
				fmt.Println("(queue empty)")
				return nil
			}
			for _, dm := range rows {
				fmt.Printf("#%-5d %s %s -> %s  %s\n",
					dm.ID, stamp(dm.CreatedTS), dm.FromID, dm.ToID, dm.Body)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to list")
	return cmd
}

func dmPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge [id]",
		Short: "Delete one undelivered DM by id, or every one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("parse id %q: %w", args[0], err)
				}
				if err := st.DeleteDM(id); err != nil {
					return fmt.Errorf("delete dm #%d: %w", id, err)
				}
				fmt.Printf("purged #%d\n", id)
				return nil
			}
			rows, err := st.AllPendingDMs(100000)
			if err != nil {
				return fmt.Errorf("list dms: %w", err)
			}
			for _, dm := range rows {
				if err := st.DeleteDM(dm.ID); err != nil {
					return fmt.Errorf("delete dm #%d: %w", dm.ID, err)
				}
			}
			fmt.Printf("purged %d\n", len(rows))
			return nil
		},
	}
}
