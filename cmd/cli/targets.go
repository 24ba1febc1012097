package cli

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/anstrom/scanqueue/internal/scanning"
)

// optionFlags are the scan option flags shared by scan and preview.
type optionFlags struct {
	preset           string
	timing           string
	scripts          bool
	versionDetection bool
	osDetection      bool
	skipPing         bool
	pingOnly         bool
	aggressive       bool
	verboseScan      bool
	customPorts      string
	customFlags      string
}

func (o *optionFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.preset, "preset", "", "Scan preset: "+strings.Join(scanning.Presets(), ", ")+" (default fast)")
	fs.StringVar(&o.timing, "timing", "", "Timing template T0-T5 (default T3)")
	fs.BoolVar(&o.scripts, "scripts", false, "Run default NSE scripts (-sC)")
	fs.BoolVar(&o.versionDetection, "version-detection", false, "Detect service versions (-sV)")
	fs.BoolVar(&o.osDetection, "os-detection", false, "Detect operating systems (-O)")
	fs.BoolVar(&o.skipPing, "skip-ping", false, "Treat every host as up (-Pn)")
	fs.BoolVar(&o.pingOnly, "ping-only", false, "Host discovery only (-sn)")
	fs.BoolVar(&o.aggressive, "aggressive", false, "Aggressive scan (-A)")
	fs.BoolVar(&o.verboseScan, "scan-verbose", false, "Verbose scanner output (-v)")
	fs.StringVar(&o.customPorts, "custom-ports", "", "Port spec overriding per-target ports, e.g. 22,80,8000-8100")
	fs.StringVar(&o.customFlags, "custom-flags", "", "Additional scanner flags")
}

func (o *optionFlags) options() scanning.ScanOptions {
	return scanning.ScanOptions{
		Preset:           o.preset,
		Timing:           o.timing,
		Scripts:          o.scripts,
		VersionDetection: o.versionDetection,
		OSDetection:      o.osDetection,
		SkipPing:         o.skipPing,
		PingOnly:         o.pingOnly,
		Aggressive:       o.aggressive,
		Verbose:          o.verboseScan,
		CustomPorts:      o.customPorts,
		CustomFlags:      o.customFlags,
	}
}

// parseTarget reads "ip" or "ip:port,port". IPv6 addresses with ports use
// the bracketed form "[::1]:22".
func parseTarget(s string) (scanning.Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return scanning.Target{}, fmt.Errorf("empty target")
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return scanning.Target{IP: addr.String()}, nil
	}

	i := strings.LastIndex(s, ":")
	if i <= 0 {
		return scanning.Target{}, fmt.Errorf("invalid target %q", s)
	}
	host := strings.TrimSuffix(strings.TrimPrefix(s[:i], "["), "]")
	if _, err := netip.ParseAddr(host); err != nil {
		return scanning.Target{}, fmt.Errorf("invalid target address %q", host)
	}

	target := scanning.Target{IP: host}
	for _, p := range strings.Split(s[i+1:], ",") {
		port, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || port < 0 || port > 65535 {
			return scanning.Target{}, fmt.Errorf("invalid port %q in target %q", p, s)
		}
		target.Ports = append(target.Ports, port)
	}
	return target, nil
}

// parseTargets parses every entry in order. Blank entries are skipped.
func parseTargets(entries []string) ([]scanning.Target, error) {
	var targets []scanning.Target
	for _, e := range entries {
		if strings.TrimSpace(e) == "" {
			continue
		}
		t, err := parseTarget(e)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// readTargetLines reads one target per line, ignoring blank lines and
// lines starting with '#'.
func readTargetLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// collectTargets merges positional arguments, --target values and the
// optional target file, in that order.
func collectTargets(args, flagged []string, file string) ([]scanning.Target, error) {
	entries := append(append([]string(nil), args...), flagged...)
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open target file: %w", err)
		}
		defer f.Close()
		lines, err := readTargetLines(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read target file: %w", err)
		}
		entries = append(entries, lines...)
	}

	targets, err := parseTargets(entries)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets specified")
	}
	return targets, nil
}
