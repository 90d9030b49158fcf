package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func postCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Inspect and create board posts",
	}

	cmd.AddCommand(postListCmd())
	cmd.AddCommand(postShowCmd())
	cmd.AddCommand(postCreateCmd())

	return cmd
}

func postListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent top-level posts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			posts, err := st.RecentPosts(limit)
			if err != nil {
				return fmt.Errorf("list posts: %w", err)
			}
			if len(posts) == 0 {
				fmt.Println("(no posts)")
				return nil
			}
			for _, p := range posts {
				fmt.Printf("#%-5d %s %-20s %s\n",
					p.ID, stamp(p.TS), p.Author, p.Body)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum posts to list")
	return cmd
}

func postShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one post and its replies",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse id %q: %w", args[0], err)
			}
			post, err := st.GetPost(id)
			if err != nil {
				return fmt.Errorf("post #%d: %w", id, err)
			}
			fmt.Printf("#%d %s %s\n%s\n", post.ID, stamp(post.TS), post.Author, post.Body)

			replies, err := st.Replies(id)
			if err != nil {
				return fmt.Errorf("replies of #%d: %w", id, err)
			}
			for _, r := range replies {
				fmt.Printf("  ↳ #%d %s %s: %s\n", r.ID, stamp(r.TS), r.Author, r.Body)
			}
			return nil
		},
	}
}

func postCreateCmd() *cobra.Command {
	var author string
	var replyTo int64
	cmd := &cobra.Command{
		Use:   "create <text>",
		Short: "Create a post directly in the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if replyTo != 0 {
				exists, err := st.HasPost(replyTo)
				if err != nil {
					return fmt.Errorf("check parent #%d: %w", replyTo, err)
				}
				if !exists {
					return fmt.Errorf("parent post #%d not found", replyTo)
				}
			}
			id, err := st.CreatePost(time.Now().Unix(), author, args[0], replyTo)
			if err != nil {
				return fmt.Errorf("create post: %w", err)
			}
			fmt.Printf("#%d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&author, "author", "[op]", "author label")
	cmd.Flags().Int64Var(&replyTo, "reply-to", 0, "parent post id")
	return cmd
}

func stamp(ts int64) string {
	return time.Unix(ts, 0).Local().Format("01-02 15:04")
}
