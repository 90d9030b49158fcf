package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func noticeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notice",
		Short: "Manage the board notice",
	}

	cmd.AddCommand(noticeShowCmd())
	cmd.AddCommand(noticeSetCmd())
	cmd.AddCommand(noticeClearCmd())

	return cmd
}

func noticeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current notice",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			text, ok, err := st.GetKV("notice")
			if err != nil {
				return fmt.Errorf("read notice: %w", err)
			}
			if !ok || text == "" {
				fmt.Println("(no notice)")
				return nil
			}
			if raw, has, err := st.GetKV("notice_ts"); err == nil && has {
				if ts, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
					fmt.Printf("updated %s\n", stamp(ts))
				}
			}
			fmt.Println(text)
			return nil
		},
	}
}

func noticeSetCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "set <text>",
		Short: "Set the notice",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			now := time.Now().Unix()
			if err := st.SetKV("notice", args[0]); err != nil {
				return fmt.Errorf("set notice: %w", err)
			}
			if err := st.SetKV("notice_ts", strconv.FormatInt(now, 10)); err != nil {
				return fmt.Errorf("set notice_ts: %w", err)
			}
			if hours > 0 {
				exp := now + int64(hours)*3600
				if err := st.SetKV("notice_expires_ts", strconv.FormatInt(exp, 10)); err != nil {
					return fmt.Errorf("set notice_expires_ts: %w", err)
				}
			} else if err := st.DeleteKV("notice_expires_ts"); err != nil {
				return fmt.Errorf("clear notice_expires_ts: %w", err)
			}
			fmt.Println("notice updated")
			return nil
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 0, "expire the notice after this many hours")
	return cmd
}

func noticeClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the notice",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			for _, k := range []string{"notice", "notice_ts", "notice_expires_ts"} {
				if err := st.DeleteKV(k); err != nil {
					return fmt.Errorf("delete %s: %w", k, err)
				}
			}
			fmt.Println("notice cleared")
			return nil
		},
	}
}
