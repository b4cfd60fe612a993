package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/convogate/convogate/internal/config"
	"github.com/convogate/convogate/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage conversation sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known sessions",
		Run: func(cmd *cobra.Command, args []string) {
			withStore(func(st store.SessionStore) {
				infos := st.List()
				sort.Slice(infos, func(i, j int) bool {
					return infos[i].UpdatedAt > infos[j].UpdatedAt
				})

				if len(infos) == 0 {
					fmt.Println("no sessions")
					return
				}
				for _, info := range infos {
					updated := time.UnixMilli(info.UpdatedAt).Format(time.RFC3339)
					fmt.Printf("%-60s %-12s %s\n", info.Key, info.ChatType, updated)
				}
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <key>",
		Short: "Show one session's entry",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withStore(func(st store.SessionStore) {
				entry, ok := st.Get(args[0])
				if !ok {
					fmt.Fprintf(os.Stderr, "no session for key %q\n", args[0])
					os.Exit(1)
				}
				fmt.Printf("session id:     %s\n", entry.SessionID)
				fmt.Printf("updated:        %s\n", time.UnixMilli(entry.UpdatedAt).Format(time.RFC3339))
				fmt.Printf("model:          %s\n", entry.Model)
				fmt.Printf("tokens:         in=%d out=%d total=%d context=%d\n",
					entry.InputTokens, entry.OutputTokens, entry.TotalTokens, entry.ContextTokens)
				fmt.Printf("aborted last:   %t\n", entry.AbortedLastRun)
				fmt.Printf("last delivery:  %s → %s\n", entry.LastChannel, entry.LastTo)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a session entry",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withStore(func(st store.SessionStore) {
				if err := st.Delete(args[0]); err != nil {
					fmt.Fprintf(os.Stderr, "delete failed: %s\n", err)
					os.Exit(1)
				}
				fmt.Printf("deleted %s\n", args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <key>",
		Short: "Mint a fresh session id for a key, keeping the entry",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withStore(func(st store.SessionStore) {
				entry, ok := st.Get(args[0])
				if !ok {
					fmt.Fprintf(os.Stderr, "no session for key %q\n", args[0])
					os.Exit(1)
				}
				entry.SessionID = uuid.NewString()
				entry.SystemSent = false
				entry.AbortedLastRun = false
				now := time.Now().UnixMilli()
				if now <= entry.UpdatedAt {
					now = entry.UpdatedAt + 1
				}
				entry.UpdatedAt = now
				if err := st.Put(args[0], entry); err != nil {
					fmt.Fprintf(os.Stderr, "reset failed: %s\n", err)
					os.Exit(1)
				}
				fmt.Printf("reset %s → session %s\n", args[0], entry.SessionID)
			})
		},
	})

	return cmd
}

// withStore opens the configured session store, runs fn, and closes it.
func withStore(fn func(store.SessionStore)) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %s\n", err)
		os.Exit(1)
	}

	path := cfg.Database.Path
	if path == "" {
		path = cfg.Sessions.Storage
	}

	st, err := store.Open(store.Config{
		Backend:     cfg.Database.Backend,
		Path:        path,
		PostgresDSN: cfg.Database.PostgresDSN,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %s\n", err)
		os.Exit(1)
	}
	defer st.Close()

	fn(st)
}
