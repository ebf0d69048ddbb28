package monitor

import (
	"fmt"

	"github.com/JakeFAU/anime-embed-crawler/internal/failure"
)

// dominantShare is the share of all errors above which a category drives a
// recommendation.
const dominantShare = 0.3

var categoryAdvice = map[failure.Category]string{
	failure.RateLimit:       "High rate-limit ratio: reduce worker concurrency or raise provider.min_interval.",
	failure.Mapping:         "Many mapping failures: review catalog titles or lower mapping.similarity_threshold, then run `recover --reset-mapping`.",
	failure.Network:         "Network failures dominate: check connectivity to the provider and the request timeout.",
	failure.Parse:           "Parse failures are frequent: the provider markup may have changed.",
	failure.MissingResource: "Missing resources: run `cleanup` to review anime no longer listed in the catalog.",
	failure.InvalidData:     "Invalid catalog records: inspect the affected catalog rows.",
	failure.Generic:         "Unclassified failures: inspect worker logs for the failing anime.",
}

// Recommend derives operator actions from a snapshot.
func Recommend(snap Snapshot) []string {
	var out []string
	if total := snap.Stats.TotalErrors(); total > 0 {
		for _, row := range snap.Stats.Ranked() {
			if float64(row.Count)/float64(total) < dominantShare {
				break
			}
			if advice, ok := categoryAdvice[failure.ParseCategory(row.Category)]; ok {
				out = append(out, advice)
			}
		}
	}
	if n := len(snap.Unrecoverable); n > 0 {
		out = append(out, fmt.Sprintf("%d unrecoverable jobs: review them with `cleanup`, then `recover --ids` or `cleanup --force`.", n))
	}
	if snap.StalledJobs > 0 {
		out = append(out, "Jobs hold expired leases: a worker may have crashed; run `recover` to requeue them.")
	}
	if snap.Queue.Paused {
		out = append(out, "The queue is paused: run `resume` to continue.")
	}
	if len(snap.Workers) == 0 && snap.Queue.Pending() > 0 && !snap.Queue.Paused {
		out = append(out, "Work is pending but no worker is alive: run `start`.")
	}
	for _, a := range snap.Alerts {
		if a.Kind == AlertMemory {
			out = append(out, "Memory pressure: lower worker concurrency.")
			break
		}
	}
	return out
}
