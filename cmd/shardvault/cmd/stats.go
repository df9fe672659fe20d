package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wesm/shardvault/internal/query"
)

var (
	statsBegin string
	statsEnd   string
	statsJSON  bool
)

var statsCmd = &cobra.Command{
	Use:   "stats <metric> [conversation-id]",
	Short: "Show message statistics",
	Long: `Show an aggregate over one conversation, or over the whole account
where noted.

Metrics:
  types          message count per type (whole account without an id)
  span           first and last message time and the total count
  sent_received  messages sent by the account versus received
  dates          distinct active days (UTC)
  date_counts    message count per day, limited by --begin/--end
  years          message count per year (whole account without an id)

Examples:
  shardvault stats types
  shardvault stats span wxid_abc
  shardvault stats date_counts wxid_abc --begin 2024-01-01`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		metric := args[0]
		var id string
		if len(args) == 2 {
			id = args[1]
		}
		if id == "" && metric != "types" && metric != "years" {
			return fmt.Errorf("metric %q needs a conversation id", metric)
		}

		return withService(cmd.Context(), func(svc *query.Service) error {
			ctx := cmd.Context()
			var (
				result interface{}
				err    error
			)
			switch metric {
			case "types":
				if id == "" {
					result, err = svc.GlobalTypeDistribution(ctx)
				} else {
					result, err = svc.TypeDistribution(ctx, id)
				}
			case "span":
				result, err = svc.TimeSpan(ctx, id)
			case "sent_received":
				result, err = svc.SentReceived(ctx, id)
			case "dates":
				result, err = svc.ActiveDates(ctx, id)
			case "date_counts":
				begin, perr := parseTime(statsBegin)
				if perr != nil {
					return fmt.Errorf("--begin: %w", perr)
				}
				end, perr := parseTime(statsEnd)
				if perr != nil {
					return fmt.Errorf("--end: %w", perr)
				}
				result, err = svc.DateCounts(ctx, id, begin, end)
			case "years":
				result, err = svc.ActiveYears(ctx, id)
			default:
				return fmt.Errorf("unknown metric %q", metric)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", metric, err)
			}

			if statsJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			outputStats(result)
			return nil
		})
	},
}

func outputStats(result interface{}) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch v := result.(type) {
	case []query.TypeCount:
		fmt.Fprintln(w, "TYPE\tCOUNT")
		for _, tc := range v {
			fmt.Fprintf(w, "%d\t%d\n", tc.Type, tc.Count)
		}
	case *query.TimeSpan:
		if v.Count == 0 {
			fmt.Fprintln(w, "No messages.")
			return
		}
		fmt.Fprintf(w, "First:\t%s\n", v.First.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Last:\t%s\n", v.Last.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Messages:\t%d\n", v.Count)
	case *query.SentReceived:
		fmt.Fprintf(w, "Sent:\t%d\n", v.Sent)
		fmt.Fprintf(w, "Received:\t%d\n", v.Received)
	case []string:
		for _, d := range v {
			fmt.Fprintln(w, d)
		}
	case []query.DateCount:
		fmt.Fprintln(w, "DATE\tCOUNT")
		for _, dc := range v {
			fmt.Fprintf(w, "%s\t%d\n", dc.Date, dc.Count)
		}
	case []query.YearCount:
		fmt.Fprintln(w, "YEAR\tCOUNT")
		for _, yc := range v {
			fmt.Fprintf(w, "%d\t%d\n", yc.Year, yc.Count)
		}
	}
}

func init() {
	statsCmd.Flags().StringVar(&statsBegin, "begin", "", "date_counts: first day")
	statsCmd.Flags().StringVar(&statsEnd, "end", "", "date_counts: end of range (exclusive)")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statsCmd)
}
