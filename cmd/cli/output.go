package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/scanqueue/internal/events"
	"github.com/anstrom/scanqueue/internal/scanning"
	"github.com/anstrom/scanqueue/internal/store"
)

// Output formats.
const (
	outputTable = "table"
	outputJSON  = "json"
)

func checkOutputFormat(format string) error {
	if format != outputTable && format != outputJSON {
		return fmt.Errorf("invalid output format %q: use %s or %s", format, outputTable, outputJSON)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderAggregate prints the merged project results.
func renderAggregate(w io.Writer, agg store.ProjectAggregate, format string) error {
	if format == outputJSON {
		return writeJSON(w, agg)
	}

	fmt.Fprintf(w, "Project %s: %s (%d sessions)\n", agg.ProjectID, agg.ScanStatus, agg.Sessions)

	table := tablewriter.NewWriter(w)
	table.Header("IP", "Status", "Open Ports", "Services", "OS", "Error")
	for _, r := range agg.Results {
		_ = table.Append([]string{
			r.TargetIP,
			r.HostStatus,
			strconv.Itoa(r.OpenPorts),
			serviceSummary(r.Services),
			r.OSInfo,
			r.Error,
		})
	}
	if err := table.Render(); err != nil {
		return err
	}

	s := agg.Statistics
	fmt.Fprintf(w, "Hosts: %d scanned, %d up, %d down. Open ports: %d\n",
		s.TotalHostsScanned, s.HostsUp, s.HostsDown, s.TotalOpenPorts)
	if len(s.UniqueServices) > 0 {
		fmt.Fprintf(w, "Services: %s\n", strings.Join(s.UniqueServices, ", "))
	}
	if len(s.Interrupted) > 0 {
		fmt.Fprintf(w, "Interrupted (not rescanned by resume): %s\n", strings.Join(s.Interrupted, ", "))
	}
	return nil
}

// renderProgress prints where the latest session of a project stopped.
func renderProgress(w io.Writer, p store.Progress, format string) error {
	if format == outputJSON {
		return writeJSON(w, p)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Session", "Status", "Scanned", "Remaining")
	_ = table.Append([]string{
		p.SessionID,
		string(p.Status),
		fmt.Sprintf("%d/%d", p.Cursor, p.Total),
		strconv.Itoa(len(p.Remaining())),
	})
	return table.Render()
}

// renderSessions lists the sessions of a project.
func renderSessions(w io.Writer, sessions []store.SessionRecord, format string) error {
	if format == outputJSON {
		return writeJSON(w, sessions)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Session", "Status", "Progress", "Resumed From", "Started", "Error")
	for i := range sessions {
		s := &sessions[i]
		_ = table.Append([]string{
			s.ID,
			string(s.Status),
			fmt.Sprintf("%d/%d", s.Cursor, len(s.Targets)),
			s.ResumedFrom,
			s.StartedAt.Format("2006-01-02 15:04:05"),
			s.Error,
		})
	}
	return table.Render()
}

func serviceSummary(services []scanning.ServiceRecord) string {
	parts := make([]string, 0, len(services))
	for _, s := range services {
		if s.State != "open" {
			continue
		}
		name := s.Service
		if name == "" {
			name = "unknown"
		}
		parts = append(parts, fmt.Sprintf("%d/%s %s", s.Port, s.Protocol, name))
	}
	return strings.Join(parts, ", ")
}

// describeEvent renders one session event as a progress line. Empty means
// the event is not shown.
func describeEvent(ev events.Event) string {
	switch data := ev.Data.(type) {
	case events.Started:
		return fmt.Sprintf("Session started: %d targets", data.TotalTargets)
	case events.Progress:
		eta := data.ETA
		if eta == "" {
			eta = "calculating"
		}
		return fmt.Sprintf("[%d/%d] scanning %s (elapsed %s, eta %s)",
			data.Completed+1, data.Total, data.CurrentTarget, data.Elapsed, eta)
	case events.HostResult:
		if data.Result.Error != "" {
			// Already reported by the preceding host_error.
			return ""
		}
		return fmt.Sprintf("  %s: %s, %d open ports", data.TargetIP, data.Result.HostStatus, data.Result.OpenPorts)
	case events.HostError:
		return fmt.Sprintf("  %s: error: %s", data.TargetIP, data.Message)
	case events.Completed:
		return fmt.Sprintf("Session completed: %d/%d targets", data.TotalCompleted, data.Total)
	case events.Cancelled:
		return fmt.Sprintf("Session cancelled after %d targets", data.TotalCompleted)
	case events.Failed:
		return fmt.Sprintf("Session failed: %s", data.Error)
	}
	return ""
}
