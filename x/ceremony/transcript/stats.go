package transcript

import (
	"strings"
	"time"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// ComputeStatistics derives the summary figures of a transcript. The result
// depends only on the transcript contents.
func ComputeStatistics(t *types.Transcript) types.Statistics {
	stats := types.Statistics{SkippedRounds: len(t.Skips)}

	participants := make(map[string]string)
	var last time.Time
	for _, c := range t.Contributions {
		if c.Timestamp.After(last) {
			last = c.Timestamp
		}
		if !c.Verified {
			stats.RejectedContributions++
			continue
		}
		stats.AcceptedContributions++
		name := strings.TrimSpace(c.Participant.Name)
		if country := strings.ToUpper(c.Participant.Country); country != "" || participants[name] == "" {
			participants[name] = country
		}
	}
	stats.TotalParticipants = len(participants)

	dist := make(map[string]int)
	for _, country := range participants {
		if country != "" {
			dist[country]++
		}
	}
	stats.Countries = len(dist)
	if len(dist) > 0 {
		stats.CountryDistribution = dist
	}

	end := last
	if t.EndTime != nil {
		end = *t.EndTime
	}
	if !t.StartTime.IsZero() && end.After(t.StartTime) {
		stats.DurationSeconds = int64(end.Sub(t.StartTime) / time.Second)
	}
	return stats
}
