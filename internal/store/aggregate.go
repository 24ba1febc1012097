package store

import (
	"net/netip"
	"sort"

	"github.com/anstrom/scanqueue/internal/scanning"
)

// Merge builds a project aggregate from every appended result in insertion
// order. The last result per target IP wins. latest is the most recent
// session and decides scan_status; nil means the project has no sessions.
func Merge(projectID string, latest *SessionRecord, sessions int, results []ResultRecord) ProjectAggregate {
	agg := ProjectAggregate{
		ProjectID:  projectID,
		ScanStatus: AggregateComplete,
		Sessions:   sessions,
		Results:    []scanning.ScanResult{},
	}
	if latest != nil && latest.Status != StatusCompleted {
		agg.ScanStatus = AggregateIncomplete
	}

	byIP := make(map[string]scanning.ScanResult, len(results))
	for _, r := range results {
		byIP[r.Result.TargetIP] = r.Result
	}
	for _, r := range byIP {
		agg.Results = append(agg.Results, r)
	}
	sort.Slice(agg.Results, func(i, j int) bool {
		return lessIP(agg.Results[i].TargetIP, agg.Results[j].TargetIP)
	})

	agg.Statistics = computeStatistics(agg.Results)
	return agg
}

func computeStatistics(results []scanning.ScanResult) Statistics {
	stats := Statistics{
		TotalHostsScanned: len(results),
		UniqueServices:    []string{},
		OSDetected:        []OSDetection{},
		Interrupted:       []string{},
	}
	services := make(map[string]struct{})

	for _, r := range results {
		if r.HostStatus == scanning.HostUp {
			stats.HostsUp++
		} else {
			stats.HostsDown++
		}
		stats.TotalOpenPorts += r.OpenPorts
		for _, svc := range r.Services {
			if svc.State == "open" && svc.Service != "" {
				services[svc.Service] = struct{}{}
			}
		}
		if r.Error == scanning.ErrorCancelled {
			stats.Interrupted = append(stats.Interrupted, r.TargetIP)
		}
		if r.OSInfo != "" {
			stats.OSDetected = append(stats.OSDetected, OSDetection{IP: r.TargetIP, OS: r.OSInfo})
		}
	}

	for name := range services {
		stats.UniqueServices = append(stats.UniqueServices, name)
	}
	sort.Strings(stats.UniqueServices)
	return stats
}

// lessIP orders addresses numerically; anything that is not an IP sorts
// after all IPs, lexicographically.
func lessIP(a, b string) bool {
	addrA, errA := netip.ParseAddr(a)
	addrB, errB := netip.ParseAddr(b)
	switch {
	case errA == nil && errB == nil:
		return addrA.Less(addrB)
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
