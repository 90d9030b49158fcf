package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshlink/meshmini/internal/mesh"
	"github.com/meshlink/meshmini/internal/store"
)

var errBadNodeID = errors.New("node id must be ! followed by up to 8 hex digits")

// idSetOps binds one node-id set (admins, blacklist, peers) to the shared
// add/del/list grammar.
type idSetOps struct {
	add  func(*store.Store, string) error
	del  func(*store.Store, string) error
	list func(*store.Store) ([]string, error)
}

var adminOps = idSetOps{
	add:  (*store.Store).AddAdmin,
	del:  (*store.Store).RemoveAdmin,
	list: (*store.Store).Admins,
}

var blacklistOps = idSetOps{
	add:  (*store.Store).AddBlacklist,
	del:  (*store.Store).RemoveBlacklist,
	list: (*store.Store).Blacklist,
}

var peerOps = idSetOps{
	add: (*store.Store).AddPeer,
	del: (*store.Store).RemovePeer,
	list: func(s *store.Store) ([]string, error) {
		peers, err := s.Peers()
		if err != nil {
			return nil, err
		}
		out := make([]string, len(peers))
		for i, p := range peers {
			out[i] = p.ID
		}
		return out, nil
	},
}

func idSetCmd(name, short string, ops idSetOps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <!nodeid>",
		Short: "Add a node id",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, ok := mesh.CanonID(args[0])
			if !ok {
				return fmt.Errorf("%q: %w", args[0], errBadNodeID)
			}
			if err := ops.add(st, id); err != nil {
				return fmt.Errorf("%s add: %w", name, err)
			}
			fmt.Println(id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "del <!nodeid>",
		Short: "Remove a node id",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, ok := mesh.CanonID(args[0])
			if !ok {
				return fmt.Errorf("%q: %w", args[0], errBadNodeID)
			}
			if err := ops.del(st, id); err != nil {
				return fmt.Errorf("%s del: %w", name, err)
			}
			fmt.Println(id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the set",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ids, err := ops.list(st)
			if err != nil {
				return fmt.Errorf("%s list: %w", name, err)
			}
			if len(ids) == 0 {
				fmt.Println("(empty)")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	})

	return cmd
}
