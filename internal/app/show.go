package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"manifold-etl/internal/storage"
)

// Show prints stored row counts and the users with the most stored bets.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show stored data")
	if err != nil {
		return err
	}
	defer closeStore()

	counts, err := store.CountRows(ctx)
	if err != nil {
		return err
	}
	stats, err := store.TopUsersByBetCount(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return renderShow(os.Stdout, counts, stats)
}

func renderShow(out io.Writer, counts storage.TableCounts, stats []storage.BettorStat) error {
	fmt.Fprintf(out, "users: %d raw / %d clean\nbets:  %d raw / %d clean\n\n",
		counts.UsersRaw, counts.UsersClean, counts.BetsRaw, counts.BetsClean)

	if len(stats) == 0 {
		fmt.Fprintln(out, "no bets found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tUser ID\tUsername\tJoined\tBets")
	for i, st := range stats {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%d\t%d\n", i+1, st.UserID, sanitizeInline(st.Username), st.JoinYear, st.BetCount)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
