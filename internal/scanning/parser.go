package scanning

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"

	"github.com/Ullaakut/nmap/v3"
)

// ParseReport converts one target's XML report into a ScanResult. It never
// fails: a truncated or malformed report yields the data decoded so far and
// a ParseWarning describing where decoding stopped.
func ParseReport(raw []byte, targetIP string) (ScanResult, *ParseWarning) {
	result := ScanResult{
		TargetIP:   targetIP,
		HostStatus: HostDown,
		Hostnames:  []string{},
		Services:   []ServiceRecord{},
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return result, &ParseWarning{Message: "empty report"}
	}

	decoder := xml.NewDecoder(bytes.NewReader(raw))
	var (
		hosts    []nmap.Host
		finished bool
		sawRoot  bool
	)

	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			applyHost(&result, pickHost(hosts, targetIP))
			return result, &ParseWarning{Message: err.Error(), Offset: decoder.InputOffset()}
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "nmaprun":
			sawRoot = true
		case "host":
			var h nmap.Host
			if err := decoder.DecodeElement(&h, &start); err != nil {
				// Fields decoded before the break are kept.
				applyHost(&result, pickHost(append(hosts, h), targetIP))
				return result, &ParseWarning{Message: "truncated host: " + err.Error(), Offset: decoder.InputOffset()}
			}
			hosts = append(hosts, h)
		case "finished":
			var f nmap.Finished
			if err := decoder.DecodeElement(&f, &start); err == nil {
				result.ScanSummary = ScanSummary{Elapsed: float64(f.Elapsed), TimeStr: f.TimeStr}
				finished = true
			}
		}
	}

	applyHost(&result, pickHost(hosts, targetIP))

	switch {
	case !sawRoot:
		return result, &ParseWarning{Message: "not a scan report", Offset: decoder.InputOffset()}
	case !finished:
		return result, &ParseWarning{Message: "report ended before the run finished", Offset: decoder.InputOffset()}
	}
	return result, nil
}

// pickHost prefers the host whose address matches the target.
func pickHost(hosts []nmap.Host, targetIP string) *nmap.Host {
	if len(hosts) == 0 {
		return nil
	}
	for i := range hosts {
		for _, addr := range hosts[i].Addresses {
			if addr.Addr == targetIP {
				return &hosts[i]
			}
		}
	}
	return &hosts[0]
}

func applyHost(result *ScanResult, h *nmap.Host) {
	if h == nil {
		return
	}

	if h.Status.State == HostUp {
		result.HostStatus = HostUp
	}

	for _, hn := range h.Hostnames {
		if hn.Name != "" {
			result.Hostnames = append(result.Hostnames, hn.Name)
		}
	}

	for _, p := range h.Ports {
		rec := ServiceRecord{
			Port:      int(p.ID),
			Protocol:  p.Protocol,
			State:     p.State.State,
			Service:   p.Service.Name,
			Product:   p.Service.Product,
			Version:   p.Service.Version,
			ExtraInfo: p.Service.ExtraInfo,
		}
		for _, s := range p.Scripts {
			rec.Scripts = append(rec.Scripts, ScriptOutput{ID: s.ID, Output: s.Output})
		}
		if rec.State == "open" {
			result.OpenPorts++
		}
		result.Services = append(result.Services, rec)
	}

	for _, s := range h.HostScripts {
		result.HostScripts = append(result.HostScripts, ScriptOutput{ID: s.ID, Output: s.Output})
	}

	if len(h.OS.Matches) > 0 {
		result.OSInfo = h.OS.Matches[0].Name
	}
}
