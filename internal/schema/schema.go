// Package schema holds the parsed-database model: tables and columns, the
// rendered prompt context, and the aggregation of several databases into a
// single addressable context.
package schema

import (
	"fmt"
	"strings"
)

// Placeholders used when a parse yields no tables. Downstream empty-schema
// detection relies on these exact substrings.
const (
	NoSchemaPlaceholder   = "### Database Schema:\n\nNo tables found in the database."
	NoExamplesPlaceholder = "No tables available to generate examples."
)

type Column struct {
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
	IsPrimaryKey bool   `json:"isPrimaryKey"`
}

type Table struct {
	Name        string   `json:"name"`
	Schema      string   `json:"schema"`
	DisplayName string   `json:"displayName"`
	FullName    string   `json:"fullName"`
	PrimaryKey  string   `json:"primaryKey"`
	Columns     []Column `json:"columns"`
}

// Connection describes how the external SQL bridge reaches a server.
type Connection struct {
	Server         string `json:"server"`
	Database       string `json:"database,omitempty"`
	UseWindowsAuth bool   `json:"useWindowsAuth"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
}

// Context is the addressable schema context for one or more databases.
// It is created on a successful parse and replaced wholesale on re-parse.
type Context struct {
	Connection     Connection `json:"connection"`
	Tables         []Table    `json:"tables"`
	PromptTemplate string     `json:"promptTemplate"`
	QueryExamples  string     `json:"queryExamples"`
}

// IsEmpty reports whether the context carries no usable schema, using the
// placeholder sentinels rather than table counts so that merged contexts
// behave the same as single ones.
func (c Context) IsEmpty() bool {
	return len(c.Tables) == 0 || strings.Contains(c.PromptTemplate, "No tables found")
}

// BuildContext renders a single parse result into a context: normalized
// table metadata plus the prompt and example text the composer feeds to the
// inference service.
func BuildContext(conn Connection, tables []Table) Context {
	normalized := make([]Table, len(tables))
	for i, t := range tables {
		normalized[i] = normalizeTable(conn.Database, t)
	}

	if len(normalized) == 0 {
		return Context{
			Connection:     conn,
			Tables:         nil,
			PromptTemplate: NoSchemaPlaceholder,
			QueryExamples:  NoExamplesPlaceholder,
		}
	}

	return Context{
		Connection:     conn,
		Tables:         normalized,
		PromptTemplate: BuildPromptTemplate(normalized),
		QueryExamples:  GenerateExamples(conn.Database, normalized),
	}
}

func normalizeTable(database string, t Table) Table {
	if t.Schema == "" {
		t.Schema = "dbo"
	}
	if t.DisplayName == "" {
		if t.Schema != "dbo" {
			t.DisplayName = t.Schema + "." + t.Name
		} else {
			t.DisplayName = t.Name
		}
	}
	if t.FullName == "" {
		t.FullName = fmt.Sprintf("[%s].[%s].[%s]", database, t.Schema, t.Name)
	}
	if t.PrimaryKey == "" {
		var keys []string
		for _, c := range t.Columns {
			if c.IsPrimaryKey {
				keys = append(keys, c.Name)
			}
		}
		if len(keys) > 0 {
			t.PrimaryKey = strings.Join(keys, ", ")
		} else {
			t.PrimaryKey = "None defined"
		}
	}
	return t
}

// Aggregate merges per-database contexts into one. A single input passes
// through unchanged. With multiple inputs every table is re-addressed under
// its source database name, prompt sections are concatenated under database
// headings, and example sections without content are skipped. The merged
// connection descriptor is the first input's. Tables whose re-addressed
// fully-qualified name collides with an earlier one are dropped, keeping
// qualified names unique.
func Aggregate(results []Context, names []string) Context {
	if len(results) == 0 {
		return BuildContext(Connection{}, nil)
	}
	if len(results) == 1 {
		return results[0]
	}

	merged := Context{Connection: results[0].Connection}
	seen := make(map[string]struct{})
	var prompt strings.Builder
	var examples strings.Builder

	for i, result := range results {
		name := result.Connection.Database
		if i < len(names) && names[i] != "" {
			name = names[i]
		}

		for _, t := range result.Tables {
			renamed := t
			if parts := splitBracketed(t.FullName); len(parts) == 3 {
				renamed.FullName = fmt.Sprintf("[%s].[%s].[%s]", name, parts[1], parts[2])
			} else {
				renamed.FullName = fmt.Sprintf("[%s].[%s].[%s]", name, t.Schema, t.Name)
			}
			renamed.DisplayName = name + "." + t.DisplayName
			if _, dup := seen[renamed.FullName]; dup {
				continue
			}
			seen[renamed.FullName] = struct{}{}
			merged.Tables = append(merged.Tables, renamed)
		}

		if prompt.Len() > 0 {
			prompt.WriteString("\n\n")
		}
		prompt.WriteString("### Database: " + name + "\n\n")
		prompt.WriteString(result.PromptTemplate)

		if !strings.Contains(result.QueryExamples, "No tables available") &&
			!strings.Contains(result.QueryExamples, "no data available") &&
			strings.TrimSpace(result.QueryExamples) != "" {
			if examples.Len() > 0 {
				examples.WriteString("\n\n")
			}
			examples.WriteString("### Database: " + name + "\n\n")
			examples.WriteString(result.QueryExamples)
		}
	}

	if len(merged.Tables) == 0 {
		merged.PromptTemplate = NoSchemaPlaceholder
		merged.QueryExamples = NoExamplesPlaceholder
		return merged
	}

	merged.PromptTemplate = prompt.String()
	if examples.Len() == 0 {
		merged.QueryExamples = NoExamplesPlaceholder
	} else {
		merged.QueryExamples = examples.String()
	}
	return merged
}

func splitBracketed(full string) []string {
	parts := strings.Split(full, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.Trim(p, "[]"))
	}
	return out
}
