package routingd

import "strings"

// ProtocolStatus summarizes `show protocols` output for overlay-prefixed
// protocols, per spec.md §4.4's status introspection.
type ProtocolStatus struct {
	Established int
	Other       int
	Names       []string
}

// ClassifyProtocols scans raw `show protocols` output and counts lines
// whose protocol name begins with prefix (e.g. "dn42_") by whether their
// state column reads "Established".
func ClassifyProtocols(raw, prefix string) ProtocolStatus {
	var status ProtocolStatus
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		name := fields[0]
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		status.Names = append(status.Names, name)
		if containsEstablished(fields) {
			status.Established++
		} else {
			status.Other++
		}
	}
	return status
}

func containsEstablished(fields []string) bool {
	for _, f := range fields {
		if f == "Established" {
			return true
		}
	}
	return false
}
