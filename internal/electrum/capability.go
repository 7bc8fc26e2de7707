package electrum

import (
	"strconv"
	"strings"
)

// ServerCapability is what the session may assume about the connected
// server, resolved once from its handshake identity.
type ServerCapability struct {
	Implementation string
	Version        string
	Batching       bool
}

type capabilityRule struct {
	// minVersion is the first release with working batch support. Empty
	// means batching is always on; "-" means never.
	minVersion string
}

// capabilityTable maps a server implementation name to its batch support.
// Anything not listed has batching disabled.
var capabilityTable = map[string]capabilityRule{
	"ElectrumX":              {minVersion: ""},
	"electrs":                {minVersion: "0.9.0"},
	"Fulcrum":                {minVersion: "1.9.0"},
	"electrs-esplora":        {minVersion: "-"},
	"ElectrumPersonalServer": {minVersion: "-"},
}

// ResolveCapability parses a server identity string such as "Fulcrum 1.9.1"
// or "ElectrumPersonalServer 0.2.4" and looks it up in the capability table.
func ResolveCapability(serverName string) ServerCapability {
	implementation, version, _ := strings.Cut(strings.TrimSpace(serverName), " ")
	// some servers report "electrs/0.9.4"
	if name, v, ok := strings.Cut(implementation, "/"); ok && version == "" {
		implementation, version = name, v
	}

	capability := ServerCapability{Implementation: implementation, Version: version}
	rule, ok := capabilityTable[implementation]
	switch {
	case !ok || rule.minVersion == "-":
		capability.Batching = false
	case rule.minVersion == "":
		capability.Batching = true
	default:
		capability.Batching = semVerToInt(version) >= semVerToInt(rule.minVersion)
	}
	return capability
}

// semVerToInt encodes major.minor.patch as a comparable integer. Anything
// that is not three numeric parts encodes as 0.
func semVerToInt(version string) int {
	parts := strings.Split(strings.TrimSpace(version), ".")
	if len(parts) != 3 {
		return 0
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0
		}
		total = total*1000 + n
	}
	return total
}
