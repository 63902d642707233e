// Package extract pulls a single usable SQL statement out of free-form
// model output. Four strategies are tried in order; the first one that
// yields a non-empty statement wins.
package extract

import (
	"regexp"
	"strings"
)

// Strategy names, reported for observability.
const (
	StrategyQuoted   = "quoted_pattern"
	StrategyFenced   = "fenced_block"
	StrategyBoundary = "statement_boundary"
	StrategyLineScan = "line_scan"
	StrategyNone     = "none"
)

var (
	// The canonical answer shape the prompt asks for:
	//   Your SQL Query will be like "SELECT ..."
	quotedPattern = regexp.MustCompile(`(?is)your sql query will be like\s*"(.+?)"`)

	fencedPattern = regexp.MustCompile("(?is)```sql\\s*(.*?)\\s*```")

	// From the first SELECT/WITH through the first semicolon, blank line,
	// or end of text.
	boundaryPattern = regexp.MustCompile(`(?is)\b(select|with)\b(.*?)(;|\n[ \t]*\n|$)`)

	statementStart = regexp.MustCompile(`(?i)^(select|with)\b`)
)

// commentaryPhrases mark prose lines the model wraps around the statement.
var commentaryPhrases = []string{
	"here is", "here's", "sql query:", "query:", "the following", "explanation",
}

// Extract returns the recovered statement, or "" when none of the
// strategies succeed. Callers must treat "" as a hard generation failure.
func Extract(raw string) string {
	sql, _ := Detail(raw)
	return sql
}

// Detail is Extract plus the name of the strategy that produced the result.
func Detail(raw string) (string, string) {
	if strings.TrimSpace(raw) == "" {
		return "", StrategyNone
	}
	if sql := fromQuotedPattern(raw); sql != "" {
		return sql, StrategyQuoted
	}
	if sql := fromFencedBlock(raw); sql != "" {
		return sql, StrategyFenced
	}
	if sql := fromStatementBoundary(raw); sql != "" {
		return sql, StrategyBoundary
	}
	if sql := fromLineScan(raw); sql != "" {
		return sql, StrategyLineScan
	}
	return "", StrategyNone
}

func fromQuotedPattern(raw string) string {
	m := quotedPattern.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func fromFencedBlock(raw string) string {
	m := fencedPattern.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func fromStatementBoundary(raw string) string {
	m := boundaryPattern.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	candidate := strings.TrimSpace(m[1] + m[2])
	candidate = strings.TrimSuffix(candidate, ";")

	lines := strings.Split(candidate, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if isCommentary(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// fromLineScan walks the output line by line, starting at the first line
// that opens a statement and accumulating while the parenthesis balance is
// open. A line ending in ";" always terminates; otherwise the statement
// ends when the balance is closed and the next line is blank or absent.
func fromLineScan(raw string) string {
	lines := strings.Split(raw, "\n")
	var collected []string
	balance := 0
	inStatement := false

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inStatement {
			if !statementStart.MatchString(trimmed) {
				continue
			}
			inStatement = true
		}
		if isCommentary(trimmed) {
			continue
		}
		if trimmed != "" {
			collected = append(collected, trimmed)
		}
		balance += strings.Count(trimmed, "(") - strings.Count(trimmed, ")")

		if strings.HasSuffix(trimmed, ";") {
			break
		}
		if balance <= 0 {
			next := ""
			if i+1 < len(lines) {
				next = strings.TrimSpace(lines[i+1])
			}
			if next == "" {
				break
			}
		}
	}

	statement := strings.TrimSpace(strings.Join(collected, "\n"))
	return strings.TrimSuffix(statement, ";")
}

func isCommentary(line string) bool {
	lowered := strings.ToLower(strings.TrimSpace(line))
	if lowered == "" {
		return false
	}
	if statementStart.MatchString(lowered) {
		return false
	}
	for _, phrase := range commentaryPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}
