// Package resource turns raw snapshot and JSON-Lines bytes into the
// payloads the API returns. Every reader is a pure function of its input
// and degrades to an empty object or list instead of failing.
package resource

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sort"
)

var emptyObject = json.RawMessage(`{}`)

// Skipped receives a count of malformed records dropped by a reader.
type Skipped func(n int)

// Snapshot returns data when it holds a JSON value, or {} otherwise.
func Snapshot(data []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return emptyObject
	}
	return json.RawMessage(trimmed)
}

// Latest returns the last well-formed record of a JSON-Lines file, or {}
// when there is none.
func Latest(data []byte, skipped Skipped) json.RawMessage {
	lines := splitLines(data)
	bad := 0
	defer func() { report(skipped, bad) }()

	for i := len(lines) - 1; i >= 0; i-- {
		if json.Valid(lines[i]) {
			return json.RawMessage(lines[i])
		}
		bad++
	}
	return emptyObject
}

// Tail returns the well-formed records among the last n lines, in file
// order. n <= 0 means every line. The result is never nil.
func Tail(data []byte, n int, skipped Skipped) []json.RawMessage {
	lines := splitLines(data)
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	out := make([]json.RawMessage, 0, len(lines))
	bad := 0
	for _, line := range lines {
		if !json.Valid(line) {
			bad++
			continue
		}
		out = append(out, json.RawMessage(line))
	}
	report(skipped, bad)
	return out
}

// LabelCount is one entry of the reinforcement profile.
type LabelCount struct {
	Label string  `json:"label"`
	Count float64 `json:"count"`
}

// LabelCounts reshapes a {label: count} object into a list sorted by count,
// highest first. Ties are ordered by label. Non-numeric counts are skipped.
func LabelCounts(data []byte, skipped Skipped) []LabelCount {
	out := []LabelCount{}
	var profile map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(data), &profile); err != nil {
		return out
	}

	bad := 0
	for label, raw := range profile {
		var count float64
		if err := json.Unmarshal(raw, &count); err != nil {
			bad++
			continue
		}
		out = append(out, LabelCount{Label: label, Count: count})
	}
	report(skipped, bad)

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// splitLines returns the non-blank lines of data, trimmed.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines
}

func report(skipped Skipped, n int) {
	if skipped != nil && n > 0 {
		skipped(n)
	}
}
