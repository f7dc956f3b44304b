package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Gate bounds a result value to maxBytes of serialized size.
//
// Values already within budget pass through untouched. Oversized values are
// truncated structurally — sequences keep leading items plus a footer
// object, strings are cut at a line boundary with a bracketed note, mappings
// have their oversized string/array fields gated individually — so the
// result stays parseable by the interpreter's own data model and carries
// explicit truncation metadata instead of failing or blowing the budget.
//
// Gating is deterministic, and gating an already-gated value at the same
// budget returns it unchanged.
func Gate(value any, maxBytes int) (any, bool) {
	b, err := json.Marshal(value)
	if err != nil {
		// Cyclic or otherwise unserializable: degrade to a fixed
		// small payload rather than throwing.
		return map[string]any{
			"truncated": true,
			"error":     "result could not be serialized",
		}, true
	}
	if len(b) <= maxBytes {
		return value, false
	}
	switch v := value.(type) {
	case []any:
		return gateSequence(v, maxBytes, len(b)), true
	case string:
		return gateText(v, maxBytes), true
	case map[string]any:
		return gateMap(v, maxBytes, len(b)), true
	default:
		return serializedFallback(b, maxBytes), true
	}
}

// gateSequence greedily packs leading items until the next one would exceed
// the budget, then appends a footer object describing what was dropped.
func gateSequence(seq []any, maxBytes, origSize int) any {
	total := len(seq)
	// Reserve space for the footer assuming worst-case digit widths.
	reserve, err := jsonSize(sequenceFooter(total, total, origSize))
	if err != nil {
		return minimalPayload()
	}
	budget := maxBytes - 2 - reserve - 1 // brackets and the footer's comma
	kept := 0
	used := 0
	for _, item := range seq {
		n, err := jsonSize(item)
		if err != nil {
			break
		}
		if used+n+1 > budget {
			break
		}
		used += n + 1
		kept++
	}
	out := make([]any, 0, kept+1)
	out = append(out, seq[:kept]...)
	out = append(out, sequenceFooter(kept, total, origSize))
	if n, err := jsonSize(out); err != nil || n > maxBytes {
		return minimalPayload()
	}
	return out
}

func sequenceFooter(kept, total, origSize int) map[string]any {
	return map[string]any{
		"truncated":     true,
		"items_kept":    kept,
		"items_total":   total,
		"items_dropped": total - kept,
		"bytes_total":   origSize,
		"note":          fmt.Sprintf("showing %d of %d items; full result was %d bytes", kept, total, origSize),
	}
}

// gateText cuts a string at the last line boundary at or before the budget
// (never mid-line) and appends a bracketed truncation note. The budget
// applies to the serialized (quoted, escaped) form, so the cut is shrunk
// until the serialized string fits.
func gateText(s string, maxBytes int) string {
	totalLines := countLines(s)
	// Worst-case note size: all counts at their largest.
	noteReserve := len(truncationNote(totalLines, totalLines, len(s)))
	target := maxBytes - noteReserve - 2
	if target < 0 {
		target = 0
	}
	kept := cutAtLine(s, target)
	for {
		keptLines := countLines(kept)
		candidate := kept + truncationNote(keptLines, totalLines, len(s))
		n, err := jsonSize(candidate)
		if err == nil && n <= maxBytes {
			return candidate
		}
		if kept == "" {
			// Not even the note fits; smallest useful representation.
			return "[truncated]"
		}
		kept = dropLastLine(kept)
	}
}

func truncationNote(keptLines, totalLines, origSize int) string {
	return fmt.Sprintf("\n[truncated: kept %d of %d lines, %d bytes total]", keptLines, totalLines, origSize)
}

// gateMap gates only oversized string- and array-valued fields, each capped
// to a quarter of the total budget, leaving small fields untouched. If the
// mapping still exceeds the budget afterwards, its serialized form is
// truncated with a structural-truncation note.
func gateMap(m map[string]any, maxBytes, origSize int) any {
	fieldBudget := maxBytes / 4
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch v.(type) {
		case string, []any:
			if n, err := jsonSize(v); err == nil && n > fieldBudget {
				gated, _ := Gate(v, fieldBudget)
				out[k] = gated
				continue
			}
		}
		out[k] = v
	}
	b, err := json.Marshal(out)
	if err == nil && len(b) <= maxBytes {
		return out
	}
	if err != nil {
		b, _ = json.Marshal(map[string]any{"bytes_total": origSize})
	}
	return serializedFallback(b, maxBytes)
}

// serializedFallback wraps a truncated prefix of the serialized form in an
// envelope noting that structural truncation could not fit the budget.
func serializedFallback(b []byte, maxBytes int) any {
	env := map[string]any{
		"truncated":   true,
		"error":       "structural truncation exceeded budget; serialized form truncated",
		"bytes_total": len(b),
		"data":        "",
	}
	overhead, err := jsonSize(env)
	if err != nil || overhead >= maxBytes {
		return minimalPayload()
	}
	data := string(b)
	if len(data) > maxBytes-overhead {
		data = data[:maxBytes-overhead]
	}
	for {
		data = trimPartialRune(data)
		env["data"] = data
		n, err := jsonSize(env)
		if err == nil && n <= maxBytes {
			return env
		}
		if data == "" {
			return minimalPayload()
		}
		cut := len(data) - (n - maxBytes)
		if cut < 0 || cut >= len(data) {
			cut = len(data) - 1
		}
		data = data[:cut]
	}
}

func minimalPayload() map[string]any {
	return map[string]any{"truncated": true}
}

func jsonSize(v any) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// cutAtLine returns the longest prefix of s ending at a line boundary whose
// byte length is at most budget. No complete line fits = empty string.
func cutAtLine(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	idx := strings.LastIndexByte(s[:budget], '\n')
	if idx < 0 {
		return ""
	}
	return s[:idx]
}

func dropLastLine(s string) string {
	idx := strings.LastIndexByte(s, '\n')
	if idx < 0 {
		return ""
	}
	return s[:idx]
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

func trimPartialRune(s string) string {
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
