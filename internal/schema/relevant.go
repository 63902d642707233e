package schema

import (
	"sort"
	"strings"
)

// RelevantExcerpt renders the tables most related to the question, ranked by
// term overlap between the question and table/column names. Best effort: an
// empty string means no signal, never an error.
func RelevantExcerpt(question string, tables []Table, maxTables int) string {
	if maxTables <= 0 {
		maxTables = 5
	}
	terms := questionTerms(question)
	if len(terms) == 0 || len(tables) == 0 {
		return ""
	}

	type scored struct {
		table Table
		score int
	}
	ranked := make([]scored, 0, len(tables))
	for _, t := range tables {
		s := 0
		for token := range identTokens(t.Name + " " + t.DisplayName) {
			if _, ok := terms[token]; ok {
				s += 3
			}
		}
		for _, c := range t.Columns {
			for token := range identTokens(c.Name) {
				if _, ok := terms[token]; ok {
					s++
				}
			}
		}
		if s > 0 {
			ranked = append(ranked, scored{table: t, score: s})
		}
	}
	if len(ranked) == 0 {
		return ""
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > maxTables {
		ranked = ranked[:maxTables]
	}

	var b strings.Builder
	b.WriteString("Most relevant tables for this question:\n")
	for _, r := range ranked {
		b.WriteString("Table: " + r.table.FullName + "\n")
		for _, c := range r.table.Columns {
			b.WriteString("  - " + c.Name)
			if c.Type != "" {
				b.WriteString(" (" + c.Type + ")")
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "are": {}, "all": {},
	"how": {}, "many": {}, "what": {}, "which": {}, "show": {}, "list": {},
	"from": {}, "that": {}, "have": {}, "has": {}, "there": {}, "give": {},
}

func questionTerms(question string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(question)) {
		word = strings.Trim(word, ".,?!;:'\"()")
		if len(word) < 3 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		terms[word] = struct{}{}
		terms[singular(word)] = struct{}{}
	}
	delete(terms, "")
	return terms
}

// identTokens splits identifiers like CustomerOrderID or customer_order_id
// into lowercase tokens.
func identTokens(ident string) map[string]struct{} {
	tokens := make(map[string]struct{})
	var current []rune
	flush := func() {
		if len(current) >= 3 {
			token := strings.ToLower(string(current))
			tokens[token] = struct{}{}
			tokens[singular(token)] = struct{}{}
		}
		current = current[:0]
	}
	for _, r := range ident {
		switch {
		case r >= 'A' && r <= 'Z':
			flush()
			current = append(current, r)
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			current = append(current, r)
		default:
			flush()
		}
	}
	flush()
	delete(tokens, "")
	return tokens
}

func singular(word string) string {
	if strings.HasSuffix(word, "ies") && len(word) > 4 {
		return word[:len(word)-3] + "y"
	}
	if strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss") && len(word) > 3 {
		return word[:len(word)-1]
	}
	return word
}
