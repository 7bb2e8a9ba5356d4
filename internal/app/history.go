package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"dispatchcheck/internal/storage"
)

// History returns up to n recorded runs, newest first.
func (a *App) History(ctx context.Context, n int) ([]storage.RunRecord, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.RecentRuns(ctx, n)
}

// WriteHistory prints runs as an aligned table.
func WriteHistory(w io.Writer, runs []storage.RunRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tRUN\tDRIVER\tOUTCOME\tSENT\tRECV\tROUNDS\tPER-ENDPOINT\tTOOK")
	for _, r := range runs {
		counts := make([]string, len(r.Counts))
		for i, c := range r.Counts {
			counts[i] = fmt.Sprint(c)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.At.Local().Format(time.DateTime),
			shortID(r.RunID),
			r.Driver,
			r.Outcome,
			r.Sent,
			r.Received,
			r.Rounds,
			strings.Join(counts, "/"),
			(time.Duration(r.TookMS) * time.Millisecond).String(),
		)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
