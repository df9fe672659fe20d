package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wesm/shardvault/internal/catalog"
)

var shardsCmd = &cobra.Command{
	Use:   "shards",
	Short: "List the account's shard files",
	Long: `List the message shards, session database and contact database found
under the account directory, in shard order.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Account.Dir == "" {
			return fmt.Errorf("no account directory: set [account] dir in %s or pass --account", cfg.ConfigFilePath())
		}
		layout, err := catalog.New(catalogOptions(), logger).List(cmd.Context())
		if err != nil {
			return fmt.Errorf("list shards: %w", err)
		}

		fmt.Printf("Account:  %s\n", layout.AccountDir)
		fmt.Printf("Sessions: %s\n", orNone(layout.SessionDB))
		fmt.Printf("Contacts: %s\n", orNone(layout.ContactDB))
		fmt.Println()

		if len(layout.Shards) == 0 {
			fmt.Println("No message shards found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tPATH\tSIZE")
		for i, p := range layout.Shards {
			size := "-"
			if fi, err := os.Stat(p); err == nil {
				size = formatSize(fi.Size())
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", i, p, size)
		}
		w.Flush()
		return nil
	},
}

func orNone(p string) string {
	if p == "" {
		return "(none)"
	}
	return p
}

// formatSize formats bytes into a human-readable string.
func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func init() {
	rootCmd.AddCommand(shardsCmd)
}
