package scanning

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/anstrom/scanqueue/internal/errors"
)

const (
	// Port validation constants.
	expectedPortRangeParts = 2
	maxPortNumber          = 65535
)

// Host status values.
const (
	HostUp   = "up"
	HostDown = "down"
)

// Error strings stored on synthesized results.
const (
	ErrorTimeout   = "timeout"
	ErrorCancelled = "cancelled"
)

// Target is one host to scan, optionally restricted to a port list.
type Target struct {
	IP    string `json:"ip" validate:"required"`
	Ports []int  `json:"ports,omitempty" validate:"dive,min=0,max=65535"`
}

// PortList renders the target ports as a comma separated scanner argument.
func (t Target) PortList() string {
	parts := make([]string, len(t.Ports))
	for i, p := range t.Ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// ScanOptions is the immutable option set shared by every target of a session.
type ScanOptions struct {
	Preset           string `json:"preset,omitempty" yaml:"preset" validate:"omitempty,oneof=fast top1000 allports udp stealth comprehensive vuln discovery none"`
	Timing           string `json:"timing,omitempty" yaml:"timing" validate:"omitempty,oneof=T0 T1 T2 T3 T4 T5"`
	Scripts          bool   `json:"scripts,omitempty" yaml:"scripts"`
	VersionDetection bool   `json:"version_detection,omitempty" yaml:"version_detection"`
	OSDetection      bool   `json:"os_detection,omitempty" yaml:"os_detection"`
	SkipPing         bool   `json:"skip_ping,omitempty" yaml:"skip_ping"`
	PingOnly         bool   `json:"ping_only,omitempty" yaml:"ping_only"`
	Aggressive       bool   `json:"aggressive,omitempty" yaml:"aggressive"`
	Verbose          bool   `json:"verbose,omitempty" yaml:"verbose"`
	CustomPorts      string `json:"custom_ports,omitempty" yaml:"custom_ports" validate:"max=1024"`
	CustomFlags      string `json:"custom_flags,omitempty" yaml:"custom_flags" validate:"max=1024"`
}

// ScanResult is the canonical per-target output.
type ScanResult struct {
	TargetIP    string          `json:"target_ip"`
	HostStatus  string          `json:"host_status"`
	Hostnames   []string        `json:"hostnames"`
	OpenPorts   int             `json:"open_ports"`
	Services    []ServiceRecord `json:"services"`
	HostScripts []ScriptOutput  `json:"host_scripts,omitempty"`
	OSInfo      string          `json:"os_info,omitempty"`
	ScanSummary ScanSummary     `json:"scan_summary"`
	Error       string          `json:"error,omitempty"`
}

// ScanSummary carries the scanner's own run statistics.
type ScanSummary struct {
	Elapsed float64 `json:"elapsed"`
	TimeStr string  `json:"timestr,omitempty"`
}

// ServiceRecord describes one scanned port.
type ServiceRecord struct {
	Port      int            `json:"port"`
	Protocol  string         `json:"protocol"`
	State     string         `json:"state"`
	Service   string         `json:"service"`
	Product   string         `json:"product,omitempty"`
	Version   string         `json:"version,omitempty"`
	ExtraInfo string         `json:"extrainfo,omitempty"`
	Scripts   []ScriptOutput `json:"scripts,omitempty"`
}

// ScriptOutput is the output of one NSE script.
type ScriptOutput struct {
	ID     string `json:"id"`
	Output string `json:"output"`
}

// Failed reports whether the scan for this target did not finish cleanly.
func (r ScanResult) Failed() bool {
	return r.Error != ""
}

// TimeoutResult is the synthesized result for a target whose scan timed out.
func TimeoutResult(ip string) ScanResult {
	return ScanResult{
		TargetIP:   ip,
		HostStatus: HostDown,
		Hostnames:  []string{},
		Services:   []ServiceRecord{},
		Error:      ErrorTimeout,
	}
}

// ErrorResult is a down result carrying msg as its error.
func ErrorResult(ip, msg string) ScanResult {
	r := TimeoutResult(ip)
	r.Error = msg
	return r
}

// ParseWarning is returned alongside a best-effort result when the report
// was truncated or malformed.
type ParseWarning struct {
	Message string
	Offset  int64
}

func (w *ParseWarning) Error() string {
	return fmt.Sprintf("report parse warning at byte %d: %s", w.Offset, w.Message)
}

// ValidatePortSpec checks a scanner port specification such as "22,80,8000-8100".
func ValidatePortSpec(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return errors.NewScanError(errors.CodeValidation, "empty port specification")
	}
	for _, part := range strings.Split(spec, ",") {
		if err := validatePortPart(part); err != nil {
			return err
		}
	}
	return nil
}

// validatePortPart validates a single port or port range.
func validatePortPart(part string) error {
	// Scanner protocol prefixes like "T:" and "U:" are allowed.
	if idx := strings.Index(part, ":"); idx >= 0 {
		part = part[idx+1:]
	}
	if strings.Contains(part, "-") {
		return validatePortRange(part)
	}
	return validateSinglePort(part)
}

// validatePortRange validates a port range (e.g., "80-100").
func validatePortRange(part string) error {
	rangeParts := strings.Split(part, "-")
	if len(rangeParts) != expectedPortRangeParts {
		return errors.NewScanError(errors.CodeValidation, fmt.Sprintf("invalid port range format: %s", part))
	}

	start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
	if err != nil {
		return errors.NewScanError(errors.CodeValidation, fmt.Sprintf("invalid start port: %s", rangeParts[0]))
	}
	end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
	if err != nil {
		return errors.NewScanError(errors.CodeValidation, fmt.Sprintf("invalid end port: %s", rangeParts[1]))
	}

	if start < 0 || start > maxPortNumber || end < 0 || end > maxPortNumber {
		return errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("invalid port range: %s (must be 0-65535)", part))
	}
	if start > end {
		return errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("invalid port range: %s (start after end)", part))
	}
	return nil
}

// validateSinglePort validates a single port.
func validateSinglePort(part string) error {
	port, err := strconv.Atoi(strings.TrimSpace(part))
	if err != nil {
		return errors.NewScanError(errors.CodeValidation, fmt.Sprintf("invalid port: %s", part))
	}
	if port < 0 || port > maxPortNumber {
		return errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("invalid port: %d (must be 0-65535)", port))
	}
	return nil
}
