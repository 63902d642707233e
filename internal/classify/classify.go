// Package classify decides whether a user question is about database
// content before any network call is made. The decision procedure is an
// ordered rule table; the first matching rule wins.
package classify

import (
	"regexp"
	"strings"
)

// Verdict is the allow/block decision for one piece of text.
type Verdict struct {
	Blocked bool
	Reason  string
}

const (
	ReasonProfanity   = "profanity"
	ReasonDemographic = "demographic_override"
	ReasonDatabase    = "database_vocabulary"
	ReasonFactual     = "factual_question"
	ReasonOffTopic    = "off_topic"
	ReasonDefault     = "default_allow"
)

type effect int

const (
	effectBlock effect = iota
	effectAllow
	// effectAllowUnlessOffTopic allows the question unless it also matches
	// the off-topic category and carries no database vocabulary at all.
	effectAllowUnlessOffTopic
)

type rule struct {
	category string
	reason   string
	effect   effect
	terms    []string
	patterns []*regexp.Regexp
}

var profanityTerms = []string{
	"fuck", "shit", "bitch", "bastard", "asshole", "damn", "moron", "dumbass",
}

var demographicTerms = []string{
	"age", "aged", "ages", "gender", "male", "female",
	"date of birth", "dob", "birthday", "birthdate", "born",
	"older", "oldest", "younger", "youngest", "elderly",
	"generation", "generations", "millennial", "millennials",
	"boomer", "boomers", "gen z", "gen x",
}

var databaseTerms = []string{
	"table", "tables", "database", "databases", "sql", "query", "queries",
	"row", "rows", "column", "columns", "record", "records", "schema",
	"select", "insert", "update", "delete", "join", "group by", "order by",
	"count", "sum", "average", "avg", "min", "max", "total", "distinct",
	"filter", "sort", "list", "top", "how many", "number of", "show me",
}

var offTopicTerms = []string{
	"politics", "political", "election", "elections", "president", "minister",
	"government", "parliament", "country", "countries", "capital", "continent",
	"weather", "temperature", "forecast", "rain",
	"sports", "football", "soccer", "cricket", "basketball", "tennis",
	"movie", "movies", "film", "actor", "actress", "celebrity", "celebrities",
	"music", "song", "songs", "singer",
	"religion", "religious", "god", "church", "temple", "mosque",
	"recipe", "cooking", "holiday", "vacation",
	"war", "history", "planet", "universe",
}

var factualPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwho\s+(is|was|are|were)\s+the\b`),
	regexp.MustCompile(`(?i)\bcapital\s+of\b`),
	regexp.MustCompile(`(?i)\bpopulation\s+of\b`),
	regexp.MustCompile(`(?i)\bpresident\s+of\b`),
	regexp.MustCompile(`(?i)\bprime\s+minister\b`),
	regexp.MustCompile(`(?i)\bwhat\s+is\s+the\s+(capital|population|currency|tallest|largest\s+country)\b`),
	regexp.MustCompile(`(?i)\bmeaning\s+of\s+life\b`),
}

// rules is evaluated in order; the interplay between the demographic and
// database categories is expressed by effectAllowUnlessOffTopic so that a
// legitimate question like "average age of customers" is never blocked on
// the "age" keyword alone.
var rules = []rule{
	{category: "profanity", reason: ReasonProfanity, effect: effectBlock, terms: profanityTerms},
	{category: "demographic", reason: ReasonDemographic, effect: effectAllowUnlessOffTopic, terms: demographicTerms},
	{category: "database", reason: ReasonDatabase, effect: effectAllow, terms: databaseTerms},
	{category: "factual", reason: ReasonFactual, effect: effectBlock, patterns: factualPatterns},
	{category: "offtopic", reason: ReasonOffTopic, effect: effectBlock, terms: offTopicTerms},
}

// Classify never fails; unknown text is allowed by default. Empty input is
// rejected upstream ("no question provided") and never reaches this point.
func Classify(question string) Verdict {
	normalized := normalize(question)
	if normalized == "" {
		return Verdict{Blocked: false, Reason: ReasonDefault}
	}

	for _, r := range rules {
		if !matches(r, normalized) {
			continue
		}
		switch r.effect {
		case effectBlock:
			return Verdict{Blocked: true, Reason: r.reason}
		case effectAllow:
			return Verdict{Blocked: false, Reason: r.reason}
		case effectAllowUnlessOffTopic:
			if hasAnyTerm(normalized, offTopicTerms) && !hasAnyTerm(normalized, databaseTerms) {
				return Verdict{Blocked: true, Reason: ReasonOffTopic}
			}
			return Verdict{Blocked: false, Reason: r.reason}
		}
	}
	return Verdict{Blocked: false, Reason: ReasonDefault}
}

func matches(r rule, normalized string) bool {
	if hasAnyTerm(normalized, r.terms) {
		return true
	}
	for _, p := range r.patterns {
		if p.MatchString(normalized) {
			return true
		}
	}
	return false
}

// normalize lowercases the text and collapses every non-alphanumeric run to
// a single space, padded on both ends so term lookups can match on word
// boundaries with a plain substring check.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 2)
	b.WriteByte(' ')
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	if !lastSpace {
		b.WriteByte(' ')
	}
	out := b.String()
	if strings.TrimSpace(out) == "" {
		return ""
	}
	return out
}

func hasAnyTerm(normalized string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(normalized, " "+term+" ") {
			return true
		}
	}
	return false
}
