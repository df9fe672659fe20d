package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/shardvault/internal/query"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List conversations with their display names",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *query.Service) error {
			sessions, err := svc.Sessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			ids := make([]string, len(sessions))
			for i, s := range sessions {
				ids[i] = s.Username
			}
			names, err := svc.DisplayNames(cmd.Context(), ids)
			if err != nil {
				return fmt.Errorf("resolve names: %w", err)
			}

			if sessionsJSON {
				type row struct {
					ID            string `json:"id"`
					Name          string `json:"name"`
					Summary       string `json:"summary"`
					LastTimestamp int64  `json:"last_timestamp"`
					UnreadCount   int64  `json:"unread_count"`
				}
				out := make([]row, len(sessions))
				for i, s := range sessions {
					out[i] = row{s.Username, names[s.Username], s.Summary, s.LastTimestamp, s.UnreadCount}
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			if len(sessions) == 0 {
				fmt.Println("No conversations found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tLAST\tUNREAD\tSUMMARY")
			for _, s := range sessions {
				last := "-"
				if s.LastTimestamp > 0 {
					last = time.Unix(s.LastTimestamp, 0).Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					truncate(s.Username, 30),
					truncate(names[s.Username], 24),
					last,
					s.UnreadCount,
					truncate(oneLine(s.Summary), 40),
				)
			}
			w.Flush()
			return nil
		})
	},
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(sessionsCmd)
}
