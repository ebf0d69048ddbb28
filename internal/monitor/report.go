package monitor

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

// WriteReport renders the human-readable progress report.
func WriteReport(w io.Writer, snap Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	p := snap.Progress

	section := func(title string) {
		fmt.Fprintf(tw, "\n%s\n%s\n", title, strings.Repeat("-", len(title)))
	}

	fmt.Fprintf(tw, "Embed crawler report (%s)\n", snap.At.Format(time.RFC3339))
	fmt.Fprintf(tw, "Health:\t%s\n", strings.ToUpper(string(snap.Health.Level)))

	section("Progress")
	fmt.Fprintf(tw, "Total anime:\t%s\n", humanize.Comma(int64(p.TotalAnime)))
	fmt.Fprintf(tw, "Completed:\t%s\t(%.1f%%)\n", humanize.Comma(int64(p.Completed)), percent(p.Completed, p.TotalAnime))
	fmt.Fprintf(tw, "Failed:\t%s\n", humanize.Comma(int64(p.Failed)))
	fmt.Fprintf(tw, "Pending:\t%s\n", humanize.Comma(int64(p.Pending)))
	fmt.Fprintf(tw, "Success rate:\t%.1f%%\n", p.SuccessRate)
	fmt.Fprintf(tw, "Throughput:\t%.1f anime/hour\n", snap.Throughput)
	if !p.StartTime.IsZero() {
		fmt.Fprintf(tw, "Started:\t%s\n", humanize.RelTime(p.StartTime, snap.At, "ago", "from now"))
	}
	if p.EstimatedCompletion != nil {
		fmt.Fprintf(tw, "ETA:\t%s\t(%s)\n", p.EstimatedCompletion.Format(time.RFC3339),
			humanize.RelTime(*p.EstimatedCompletion, snap.At, "ago", "from now"))
	}

	section("Queue")
	q := snap.Queue
	fmt.Fprintf(tw, "Waiting:\t%d\n", q.Waiting)
	fmt.Fprintf(tw, "Delayed:\t%d\n", q.Delayed)
	fmt.Fprintf(tw, "Active:\t%d\n", q.Active)
	fmt.Fprintf(tw, "Failed:\t%d\t(%d unrecoverable)\n", q.Failed, q.Unrecoverable)
	fmt.Fprintf(tw, "Completed:\t%d\n", q.Completed)
	fmt.Fprintf(tw, "Paused:\t%t\n", q.Paused)
	fmt.Fprintf(tw, "Failure ratio:\t%.1f%%\n", snap.Health.FailureRatio*100)
	if snap.StalledJobs > 0 {
		fmt.Fprintf(tw, "Stalled:\t%d\n", snap.StalledJobs)
	}

	section("Workers")
	if len(snap.Workers) == 0 {
		fmt.Fprintln(tw, "none alive")
	} else {
		fmt.Fprintln(tw, "ID\tSTATUS\tPROCESSED\tFAILED\tANIME\tAVG\tLAST SEEN")
		for _, hb := range snap.Workers {
			anime := "-"
			if hb.CurrentAnime > 0 {
				anime = fmt.Sprint(hb.CurrentAnime)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n", hb.WorkerID, hb.Status, hb.Processed, hb.Failed,
				anime, hb.AvgProcessingTime.Round(time.Second), humanize.RelTime(hb.LastActivity, snap.At, "ago", "from now"))
		}
	}

	section("Errors by category")
	rows := snap.Stats.Ranked()
	if len(rows) == 0 {
		fmt.Fprintln(tw, "none recorded")
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s:\t%s\n", row.Category, humanize.Comma(int64(row.Count)))
	}
	fmt.Fprintf(tw, "Episodes stored:\t%s\t(%s servers)\n",
		humanize.Comma(int64(snap.Stats.EpisodesCompleted)), humanize.Comma(int64(snap.Stats.EmbedServers)))

	section("System")
	m := snap.Health.Memory
	fmt.Fprintf(tw, "Heap:\t%s / %s\t(%.0f%%)\n", humanize.IBytes(m.HeapAlloc), humanize.IBytes(max(m.Limit, m.HeapSys)), m.Ratio*100)
	for _, a := range snap.Alerts {
		fmt.Fprintf(tw, "Alert [%s]:\t%s\n", a.Level, a.Message)
	}

	if recs := Recommend(snap); len(recs) > 0 {
		section("Recommended actions")
		for _, r := range recs {
			fmt.Fprintf(tw, "* %s\n", r)
		}
	}

	if len(snap.Unrecoverable) > 0 {
		section("Unrecoverable jobs")
		fmt.Fprintln(tw, "ANIME\tTITLE\tRETRIES\tCATEGORY\tFAILED\tREASON")
		for _, j := range snap.Unrecoverable {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n", j.Payload.ExternalID, j.Payload.Title, j.Payload.RetryCount,
				j.Category, humanize.RelTime(j.FailedAt, snap.At, "ago", "from now"), oneLine(j.LastError))
		}
	}
	return tw.Flush()
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}
