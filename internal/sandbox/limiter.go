package sandbox

// Defense-in-depth caps on what data-access functions may return. The
// readers accept their own row-limit parameters, but those are advisory;
// these limiters are the enforcement the sandbox trusts.

// CheckRowCount rejects (never silently drops) a result exceeding the row
// cap. The message names the function and suggests how to narrow the
// request, since the interpreted code can catch this and retry.
func CheckRowCount(function string, rows, limit int) error {
	if limit > 0 && rows > limit {
		return Raise(KindValue,
			"%s returned %d rows, exceeding the limit of %d; narrow the request with a region, sampling, or filters",
			function, rows, limit)
	}
	return nil
}

// LimitLines caps line-oriented text at maxBytes, cutting at the last
// newline at or before the budget and appending a note reporting lines kept
// versus total. Text already within budget is returned unchanged.
func LimitLines(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	totalLines := countLines(s)
	noteReserve := len(truncationNote(totalLines, totalLines, len(s)))
	target := maxBytes - noteReserve
	if target < 0 {
		target = 0
	}
	kept := cutAtLine(s, target)
	return kept + truncationNote(countLines(kept), totalLines, len(s))
}
