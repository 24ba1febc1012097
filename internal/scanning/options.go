package scanning

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/scanqueue/internal/errors"
)

// Defaults applied by Normalize.
const (
	DefaultPreset = "fast"
	DefaultTiming = "T3"
)

var validate = validator.New()

// presetFlags maps each preset to its scanner flags. "none" adds nothing.
var presetFlags = map[string][]string{
	"fast":          {"-F"},
	"top1000":       {"--top-ports", "1000"},
	"allports":      {"-p-"},
	"udp":           {"-sU", "--top-ports", "100"},
	"stealth":       {"-sS"},
	"comprehensive": {"-A"},
	"vuln":          {"--script=vuln"},
	"discovery":     {"-sn"},
	"none":          nil,
}

// Presets lists the recognised preset names.
func Presets() []string {
	return []string{"fast", "top1000", "allports", "udp", "stealth", "comprehensive", "vuln", "discovery", "none"}
}

// Normalize fills defaults and accepts the "-T4" spelling of timing templates.
// Sessions store the normalized form so resumes reuse exactly the same options.
func (o ScanOptions) Normalize() ScanOptions {
	if o.Preset == "" {
		o.Preset = DefaultPreset
	}
	o.Timing = strings.TrimPrefix(strings.TrimSpace(o.Timing), "-")
	if o.Timing == "" {
		o.Timing = DefaultTiming
	}
	o.CustomPorts = strings.TrimSpace(o.CustomPorts)
	o.CustomFlags = strings.TrimSpace(o.CustomFlags)
	return o
}

// Validate checks the options against the recognised values. blocked lists
// flags that custom_flags may not contain.
func (o ScanOptions) Validate(blocked []string) error {
	n := o.Normalize()
	if err := validate.Struct(n); err != nil {
		return errors.WrapScanError(errors.CodeValidation, "invalid scan options", err)
	}

	if n.CustomPorts != "" {
		if err := ValidatePortSpec(n.CustomPorts); err != nil {
			return err
		}
	}

	for _, token := range strings.Fields(n.CustomFlags) {
		for _, b := range blocked {
			if token == b || strings.HasPrefix(token, b) {
				return errors.NewScanError(errors.CodeValidation,
					fmt.Sprintf("custom flag %q is not allowed", token))
			}
		}
	}
	return nil
}

// ValidateTargets checks a target list before it is queued. IP syntax is the
// caller's concern; only values that would be read as flags are rejected.
func ValidateTargets(targets []Target, limit int) error {
	if len(targets) == 0 {
		return errors.NewScanError(errors.CodeValidation, "no targets specified")
	}
	if limit > 0 && len(targets) > limit {
		return errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("too many targets: %d (limit %d)", len(targets), limit))
	}
	for i, t := range targets {
		if err := validate.Struct(t); err != nil {
			return errors.WrapScanError(errors.CodeValidation, fmt.Sprintf("invalid target at index %d", i), err)
		}
		if strings.HasPrefix(t.IP, "-") || strings.ContainsAny(t.IP, " \t\n") {
			return errors.NewScanErrorWithTarget(errors.CodeValidation, "invalid target address", t.IP)
		}
	}
	return nil
}

// BuildArgs returns the scanner arguments for one target. The order is fixed:
// preset, feature toggles, timing, custom flags, ports, XML to stdout, target.
func BuildArgs(target Target, opts ScanOptions) []string {
	o := opts.Normalize()

	args := append([]string{}, presetFlags[o.Preset]...)

	toggles := []struct {
		on   bool
		flag string
	}{
		{o.Scripts, "-sC"},
		{o.VersionDetection, "-sV"},
		{o.OSDetection, "-O"},
		{o.SkipPing, "-Pn"},
		{o.PingOnly, "-sn"},
		{o.Aggressive, "-A"},
		{o.Verbose, "-v"},
	}
	for _, t := range toggles {
		if t.on {
			args = append(args, t.flag)
		}
	}

	args = append(args, "-"+o.Timing)
	args = append(args, strings.Fields(o.CustomFlags)...)

	switch {
	case o.CustomPorts != "":
		args = append(args, "-p", o.CustomPorts)
	case len(target.Ports) > 0:
		args = append(args, "-p", target.PortList())
	}

	return append(args, "-oX", "-", target.IP)
}

// Preview renders the command line that would be run for target without
// running it.
func Preview(binary string, target Target, opts ScanOptions) string {
	return strings.Join(append([]string{binary}, BuildArgs(target, opts)...), " ")
}
