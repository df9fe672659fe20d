package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/wesm/shardvault/internal/query"
)

var (
	msgLimit  int
	msgOffset int
	msgBegin  string
	msgEnd    string
	msgAsc    bool
	msgJSON   bool
)

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's messages",
	Long: `Show a conversation's messages merged across every shard, newest first.

With --begin or --end only messages inside the range are shown and
--limit/--offset do not apply. Times are RFC 3339, YYYY-MM-DD (UTC) or
unix seconds.

Examples:
  shardvault messages wxid_abc --limit 20
  shardvault messages 123@chatroom --begin 2024-01-01 --end 2024-02-01 --asc
  shardvault messages wxid_abc --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		begin, err := parseTime(msgBegin)
		if err != nil {
			return fmt.Errorf("--begin: %w", err)
		}
		end, err := parseTime(msgEnd)
		if err != nil {
			return fmt.Errorf("--end: %w", err)
		}

		return withService(cmd.Context(), func(svc *query.Service) error {
			var msgs []query.Message
			if !begin.IsZero() || !end.IsZero() {
				msgs, err = svc.GetMessagesByDate(cmd.Context(), args[0], begin, end, msgAsc)
			} else {
				msgs, err = svc.GetMessages(cmd.Context(), args[0], msgLimit, msgOffset)
			}
			if err != nil {
				return fmt.Errorf("get messages: %w", err)
			}

			if msgJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(msgs)
			}
			if len(msgs) == 0 {
				fmt.Println("No messages found.")
				return nil
			}
			outputMessagesTable(os.Stdout, msgs)
			return nil
		})
	},
}

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export <conversation-id>",
	Short: "Export a conversation as newline-delimited JSON",
	Long: `Export every message of a conversation, oldest first, one JSON object
per line. The export streams, so conversations of any size can be written.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := os.Stdout
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			defer f.Close()
			out = f
		}

		var n int
		err := withService(cmd.Context(), func(svc *query.Service) error {
			enc := json.NewEncoder(out)
			return svc.ExportMessages(cmd.Context(), args[0], cfg.Query.BatchSize, func(msgs []query.Message) error {
				for i := range msgs {
					if err := enc.Encode(&msgs[i]); err != nil {
						return fmt.Errorf("write message: %w", err)
					}
				}
				n += len(msgs)
				return nil
			})
		})
		if err != nil {
			return fmt.Errorf("export %s: %w", args[0], err)
		}
		if out != os.Stdout {
			fmt.Fprintf(os.Stderr, "Exported %d messages to %s\n", n, exportOutput)
		}
		return nil
	},
}

var countCmd = &cobra.Command{
	Use:   "count <conversation-id>",
	Short: "Count a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *query.Service) error {
			n, err := svc.GetMessageCount(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("count messages: %w", err)
			}
			fmt.Println(n)
			return nil
		})
	},
}

func outputMessagesTable(out io.Writer, msgs []query.Message) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSENDER\tTYPE\tCONTENT")
	for _, m := range msgs {
		sender := m.Sender
		if sender == "" {
			sender = strconv.FormatInt(m.SenderID, 10)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			m.Time.Local().Format("2006-01-02 15:04:05"),
			truncate(sender, 20),
			m.Type,
			truncate(oneLine(m.Content), 60),
		)
	}
	w.Flush()
	fmt.Fprintf(out, "\nShowing %d messages\n", len(msgs))
}

// parseTime accepts RFC 3339, YYYY-MM-DD (UTC midnight) or unix seconds.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q (use RFC 3339, YYYY-MM-DD or unix seconds)", v)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate fits s within width terminal cells, marking the cut with "...".
// Full-width characters count as two cells.
func truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

func init() {
	messagesCmd.Flags().IntVarP(&msgLimit, "limit", "n", 50, "maximum number of messages (0 for all)")
	messagesCmd.Flags().IntVar(&msgOffset, "offset", 0, "skip this many of the newest messages")
	messagesCmd.Flags().StringVar(&msgBegin, "begin", "", "only messages at or after this time")
	messagesCmd.Flags().StringVar(&msgEnd, "end", "", "only messages before this time")
	messagesCmd.Flags().BoolVar(&msgAsc, "asc", false, "oldest first (with --begin/--end)")
	messagesCmd.Flags().BoolVar(&msgJSON, "json", false, "output as JSON")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default: stdout)")

	rootCmd.AddCommand(messagesCmd, exportCmd, countCmd)
}
