package torlens

import "strings"

// opGetInfoCodec labels errors originating from GETINFO codec operations.
const opGetInfoCodec = "getInfoCodec"

// getInfoKind classifies how a GETINFO capability table entry should be
// treated before any bytes are written to the connection.
type getInfoKind int

const (
	// getInfoSupported keys may be requested and parsed normally.
	getInfoSupported getInfoKind = iota
	// getInfoNotSupported keys are recognized but cannot be served over the
	// control port (e.g. they require a feature the running Tor lacks).
	getInfoNotSupported
	// getInfoDeprecated keys still work but should not be relied on.
	getInfoDeprecated
)

// getInfoCapability describes one GETINFO key or key-family.
type getInfoCapability struct {
	kind getInfoKind
}

// getInfoTable is the authoritative set of GETINFO keys torlens understands,
// keyed by literal key or by a "/"-terminated prefix covering a family of
// keys (e.g. "ip-to-country/<ip>"). A request for a key with no table entry
// (exact or prefix) is rejected locally as unknown, before any bytes are
// sent to Tor.
var getInfoTable = map[string]getInfoCapability{
	"version":                  {kind: getInfoSupported},
	"config-file":              {kind: getInfoSupported},
	"address":                  {kind: getInfoSupported},
	"fingerprint":              {kind: getInfoSupported},
	"traffic/read":             {kind: getInfoSupported},
	"traffic/written":          {kind: getInfoSupported},
	"accounting/enabled":       {kind: getInfoSupported},
	"accounting/hibernating":   {kind: getInfoSupported},
	"process/descriptor-limit": {kind: getInfoSupported},
	"ip-to-country/":           {kind: getInfoSupported},
	"next-circuit/":            {kind: getInfoSupported},
	"ns/id/":                   {kind: getInfoSupported},
	"dormant":                  {kind: getInfoDeprecated},
	"network-liveness":         {kind: getInfoNotSupported},
	// entry-guards, circuit-status, and stream-status are real Tor GETINFO
	// keys but are not in this core's authoritative supported list (§4.5,
	// §6): circuit-status/stream-status are served to callers only through
	// ControlClient.GetCircuitStatus/GetStreamStatus, which go straight to
	// the wire and never consult this table.
	"entry-guards":   {kind: getInfoNotSupported},
	"circuit-status": {kind: getInfoNotSupported},
	"stream-status":  {kind: getInfoNotSupported},
}

// lookupGetInfoCapability resolves key against getInfoTable: an exact match
// wins, otherwise the longest "/"-suffixed prefix that key starts with.
func lookupGetInfoCapability(key string) (getInfoCapability, bool) {
	if cap, ok := getInfoTable[key]; ok {
		return cap, true
	}
	var best string
	for prefix := range getInfoTable {
		if !strings.HasSuffix(prefix, "/") {
			continue
		}
		if strings.HasPrefix(key, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return getInfoCapability{}, false
	}
	return getInfoTable[best], true
}

// validateGetInfoKey rejects locally any key that is unknown, not
// supported, or deprecated, so the caller never pays for a round trip to
// Tor only to learn the key was bad.
func validateGetInfoKey(key string) error {
	cap, ok := lookupGetInfoCapability(key)
	if !ok {
		return newError(ErrUnknownKey, opGetInfoCodec, "no capability table entry for key "+key, nil)
	}
	switch cap.kind {
	case getInfoNotSupported:
		return newError(ErrUnsupportedKey, opGetInfoCodec, "key "+key+" is not supported over the control port", nil)
	case getInfoDeprecated:
		return newError(ErrDeprecatedKey, opGetInfoCodec, "key "+key+" is deprecated", nil)
	}
	return nil
}

// formatGetInfoCommand builds a "GETINFO k1 k2 ..." command line for keys.
func formatGetInfoCommand(keys []string) string {
	return "GETINFO " + strings.Join(keys, " ")
}

// getInfoReplyTerminator is the trailing "NNN OK" line every GETINFO reply
// ends with, body-stripped by the message assembler down to "OK". It is not
// a KVEntry and must never be folded into a data-block value or mistaken for
// one.
const getInfoReplyTerminator = "OK"

// parseGetInfoReply extracts the requested keys' values out of a GETINFO
// ControlMessage. Each reply line is either "key=value" (single-line) or
// "key=" opening a 250+ data block, whose subsequent body lines (up to the
// terminating ".") are joined with "\n" to form the value. The trailing "OK"
// terminator line is never itself a KVEntry and is skipped.
func parseGetInfoReply(keys []string, msg *ControlMessage) map[string]string {
	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}

	result := make(map[string]string, len(keys))
	for i := 0; i < len(msg.Lines); i++ {
		line := msg.Lines[i]
		if line == getInfoReplyTerminator {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := line[:idx]
		value := line[idx+1:]
		if value == "" {
			var body []string
			for i+1 < len(msg.Lines) {
				next := msg.Lines[i+1]
				if next == getInfoReplyTerminator || looksLikeGetInfoKeyLine(next) {
					break
				}
				body = append(body, next)
				i++
			}
			value = strings.Join(body, "\n")
		}
		if wanted[key] {
			result[key] = value
		}
	}
	return result
}

// looksLikeGetInfoKeyLine heuristically distinguishes a new "key=value"
// reply line from a data-block body line: a body line from any key in
// getInfoTable's supported set never itself begins a bare "token=" at
// column zero, so this is sufficient for the keys torlens requests.
func looksLikeGetInfoKeyLine(line string) bool {
	idx := strings.Index(line, "=")
	if idx <= 0 {
		return false
	}
	key := line[:idx]
	_, ok := lookupGetInfoCapability(key)
	return ok
}
