package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanqueue/internal/errors"
)

var testBlocked = []string{"--script-help", "--script-trace", "--iflist", "-oN", "-oX", "-iL"}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		opts   ScanOptions
		want   []string
	}{
		{
			name:   "defaults",
			target: Target{IP: "10.0.0.1"},
			opts:   ScanOptions{},
			want:   []string{"-F", "-T3", "-oX", "-", "10.0.0.1"},
		},
		{
			name:   "none preset adds nothing",
			target: Target{IP: "10.0.0.1"},
			opts:   ScanOptions{Preset: "none", Timing: "T5"},
			want:   []string{"-T5", "-oX", "-", "10.0.0.1"},
		},
		{
			name:   "udp preset with target ports",
			target: Target{IP: "10.0.0.2", Ports: []int{53, 161}},
			opts:   ScanOptions{Preset: "udp"},
			want:   []string{"-sU", "--top-ports", "100", "-T3", "-p", "53,161", "-oX", "-", "10.0.0.2"},
		},
		{
			name:   "every toggle in fixed order",
			target: Target{IP: "10.0.0.3"},
			opts: ScanOptions{
				Preset: "top1000", Timing: "-T4",
				Scripts: true, VersionDetection: true, OSDetection: true,
				SkipPing: true, PingOnly: true, Aggressive: true, Verbose: true,
			},
			want: []string{
				"--top-ports", "1000", "-sC", "-sV", "-O", "-Pn", "-sn", "-A", "-v", "-T4",
				"-oX", "-", "10.0.0.3",
			},
		},
		{
			name:   "custom ports win over target ports",
			target: Target{IP: "10.0.0.4", Ports: []int{22}},
			opts:   ScanOptions{Preset: "vuln", CustomPorts: "80,443", CustomFlags: "--max-retries 2  --open"},
			want: []string{
				"--script=vuln", "-T3", "--max-retries", "2", "--open", "-p", "80,443",
				"-oX", "-", "10.0.0.4",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildArgs(tt.target, tt.opts))
		})
	}
}

func TestBuildArgsDeterministic(t *testing.T) {
	target := Target{IP: "10.0.0.5", Ports: []int{1, 2, 3}}
	opts := ScanOptions{Preset: "stealth", OSDetection: true, CustomFlags: "--reason"}
	assert.Equal(t, BuildArgs(target, opts), BuildArgs(target, opts))
}

func TestPreview(t *testing.T) {
	got := Preview("nmap", Target{IP: "192.0.2.10"}, ScanOptions{Preset: "allports", VersionDetection: true})
	assert.Equal(t, "nmap -p- -sV -T3 -oX - 192.0.2.10", got)
}

func TestPresetsAllMapped(t *testing.T) {
	for _, p := range Presets() {
		_, ok := presetFlags[p]
		assert.True(t, ok, "preset %s has no flag mapping", p)
		assert.NoError(t, ScanOptions{Preset: p}.Validate(nil))
	}
}

func TestScanOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    ScanOptions
		wantErr bool
	}{
		{"zero value", ScanOptions{}, false},
		{"dash timing", ScanOptions{Timing: "-T1"}, false},
		{"port ranges", ScanOptions{CustomPorts: "22,80-90,T:443,U:53"}, false},
		{"allowed custom flag", ScanOptions{CustomFlags: "--script=http-title --open"}, false},
		{"unknown preset", ScanOptions{Preset: "turbo"}, true},
		{"unknown timing", ScanOptions{Timing: "T9"}, true},
		{"bad port", ScanOptions{CustomPorts: "70000"}, true},
		{"reversed range", ScanOptions{CustomPorts: "90-80"}, true},
		{"garbage ports", ScanOptions{CustomPorts: "ssh"}, true},
		{"blocked flag", ScanOptions{CustomFlags: "-sV --script-help vuln"}, true},
		{"blocked output flag with attached value", ScanOptions{CustomFlags: "-oNresult.txt"}, true},
		{"blocked input list", ScanOptions{CustomFlags: "-iL hosts.txt"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate(testBlocked)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.CodeValidation))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNormalize(t *testing.T) {
	n := ScanOptions{Timing: " -T4 ", CustomFlags: " --open "}.Normalize()
	assert.Equal(t, DefaultPreset, n.Preset)
	assert.Equal(t, "T4", n.Timing)
	assert.Equal(t, "--open", n.CustomFlags)

	assert.Equal(t, n, n.Normalize(), "normalize is idempotent")
}

func TestValidateTargets(t *testing.T) {
	assert.NoError(t, ValidateTargets([]Target{{IP: "10.0.0.1"}, {IP: "host.lan", Ports: []int{22}}}, 10))

	assert.Error(t, ValidateTargets(nil, 10))
	assert.Error(t, ValidateTargets([]Target{{IP: ""}}, 10))
	assert.Error(t, ValidateTargets([]Target{{IP: "-iL"}}, 10))
	assert.Error(t, ValidateTargets([]Target{{IP: "10.0.0.1", Ports: []int{65536}}}, 10))
	assert.Error(t, ValidateTargets([]Target{{IP: "a"}, {IP: "b"}}, 1))
}

func TestValidatePortSpec(t *testing.T) {
	assert.NoError(t, ValidatePortSpec("0,65535,1-1024"))
	assert.Error(t, ValidatePortSpec(""))
	assert.Error(t, ValidatePortSpec("1-2-3"))
	assert.Error(t, ValidatePortSpec("-1"))
}
