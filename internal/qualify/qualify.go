// Package qualify performs textual rewriting of table references. It scans
// for FROM/JOIN targets and rewrites bare identifiers into bracketed
// three-part names. It is not a SQL parser: string literals, comments and
// bracketed identifiers are skipped, nothing else is interpreted.
package qualify

import (
	"strconv"
	"strings"
)

// Qualify rewrites every bare table reference after FROM or JOIN as
// [database].[dbo].[table]. References that already carry two leading
// dot-separated segments are left untouched, which makes the rewrite
// idempotent. schema.table references keep their schema:
// [database].[schema].[table].
func Qualify(query, database string) string {
	if query == "" || database == "" {
		return query
	}

	var out strings.Builder
	out.Grow(len(query) + 32)

	i := 0
	n := len(query)
	for i < n {
		c := query[i]
		switch {
		case c == '\'':
			j := skipStringLiteral(query, i)
			out.WriteString(query[i:j])
			i = j
		case c == '[':
			j := skipBracketed(query, i)
			out.WriteString(query[i:j])
			i = j
		case c == '-' && i+1 < n && query[i+1] == '-':
			j := skipLineComment(query, i)
			out.WriteString(query[i:j])
			i = j
		case c == '/' && i+1 < n && query[i+1] == '*':
			j := skipBlockComment(query, i)
			out.WriteString(query[i:j])
			i = j
		case isWordByte(c):
			j := i
			for j < n && isWordByte(query[j]) {
				j++
			}
			word := query[i:j]
			out.WriteString(word)
			i = j
			if upper := strings.ToUpper(word); upper == "FROM" || upper == "JOIN" {
				i = rewriteTarget(query, i, database, &out)
			}
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String()
}

// rewriteTarget consumes the whitespace and table reference following a
// FROM/JOIN keyword, writes the (possibly rewritten) reference to out, and
// returns the new scan position.
func rewriteTarget(query string, i int, database string, out *strings.Builder) int {
	n := len(query)
	start := i
	for i < n && (query[i] == ' ' || query[i] == '\t' || query[i] == '\n' || query[i] == '\r') {
		i++
	}
	out.WriteString(query[start:i])
	if i >= n || query[i] == '(' {
		// Derived table or end of text; nothing to qualify.
		return i
	}

	segments, end := readReference(query, i)
	if len(segments) == 0 {
		return i
	}
	raw := query[i:end]

	switch len(segments) {
	case 1:
		if isReservedTarget(segments[0]) {
			out.WriteString(raw)
			return end
		}
		out.WriteString("[" + database + "].[dbo].[" + segments[0] + "]")
	case 2:
		out.WriteString("[" + database + "].[" + segments[0] + "].[" + segments[1] + "]")
	default:
		// Already fully qualified.
		out.WriteString(raw)
	}
	return end
}

// readReference reads a dot-separated chain of identifiers, each optionally
// bracketed, returning the unbracketed segments and the end position.
func readReference(query string, i int) ([]string, int) {
	n := len(query)
	var segments []string
	for i < n {
		var seg string
		if query[i] == '[' {
			j := skipBracketed(query, i)
			seg = strings.Trim(query[i:j], "[]")
			i = j
		} else if isWordByte(query[i]) {
			j := i
			for j < n && isWordByte(query[j]) {
				j++
			}
			seg = query[i:j]
			i = j
		} else {
			break
		}
		if seg == "" {
			break
		}
		segments = append(segments, seg)
		if i < n && query[i] == '.' {
			i++
			continue
		}
		break
	}
	return segments, i
}

// isReservedTarget filters words that can legally follow FROM/JOIN without
// being a table name.
func isReservedTarget(word string) bool {
	switch strings.ToUpper(word) {
	case "SELECT", "WHERE", "GROUP", "ORDER", "HAVING", "UNION", "ON":
		return true
	}
	if _, err := strconv.Atoi(word); err == nil {
		return true
	}
	return false
}

// InjectRowCap inserts a TOP clause right after SELECT (and DISTINCT, when
// present) unless the statement already limits its row count. Statements
// that are not plain SELECTs are returned unchanged.
func InjectRowCap(query string, maxRows int) string {
	if maxRows <= 0 {
		return query
	}
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") {
		return query
	}
	if hasRowLimit(upper) {
		return query
	}

	insertAt := len("SELECT")
	rest := strings.TrimLeft(upper[insertAt:], " \t\r\n")
	if strings.HasPrefix(rest, "DISTINCT") {
		insertAt = strings.Index(upper, "DISTINCT") + len("DISTINCT")
	}
	return trimmed[:insertAt] + " TOP " + strconv.Itoa(maxRows) + trimmed[insertAt:]
}

func hasRowLimit(upper string) bool {
	fields := strings.Fields(upper)
	for i, f := range fields {
		switch f {
		case "TOP", "LIMIT":
			return true
		case "FETCH":
			if i+1 < len(fields) && (fields[i+1] == "FIRST" || fields[i+1] == "NEXT") {
				return true
			}
		}
	}
	return false
}

func skipStringLiteral(query string, i int) int {
	n := len(query)
	i++ // opening quote
	for i < n {
		if query[i] == '\'' {
			if i+1 < n && query[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return n
}

func skipBracketed(query string, i int) int {
	n := len(query)
	i++ // opening bracket
	for i < n && query[i] != ']' {
		i++
	}
	if i < n {
		i++
	}
	return i
}

func skipLineComment(query string, i int) int {
	n := len(query)
	for i < n && query[i] != '\n' {
		i++
	}
	return i
}

func skipBlockComment(query string, i int) int {
	n := len(query)
	i += 2
	for i+1 < n {
		if query[i] == '*' && query[i+1] == '/' {
			return i + 2
		}
		i++
	}
	return n
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
