// Package deviceconfig parses and renders the recorder's KEY=VALUE
// text files: the device's config.txt (read-only, describes battery
// state, recording duration, serial number, ...) and the host's
// command.txt (uploaded to the device).
package deviceconfig

import (
	"sort"
	"strings"
)

// SerialNumberKey is the one required key in a device config.txt.
const SerialNumberKey = "SerialNumber"

// Parse splits text on any of \r\n, \r, or \n, and parses each
// non-empty line as KEY=VALUE. Lines with no '=' or an empty value are
// dropped (§6).
func Parse(text string) map[string]string {
	normalized := strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(text)
	out := map[string]string{}
	for _, line := range strings.Split(normalized, "\n") {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := line[:idx]
		value := line[idx+1:]
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}

// Render formats m as newline-separated KEY=VALUE lines, sorted by key
// for deterministic output. Keys containing '=' or values containing
// CR/LF are not valid input for this format and are skipped.
func Render(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if strings.ContainsRune(k, '=') || strings.ContainsAny(v, "\r\n") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
		b.WriteByte('\n')
	}
	return b.String()
}
