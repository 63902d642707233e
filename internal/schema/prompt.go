package schema

import (
	"fmt"
	"strings"
)

// BuildPromptTemplate renders the tables into the schema section of the
// generation prompt.
func BuildPromptTemplate(tables []Table) string {
	if len(tables) == 0 {
		return NoSchemaPlaceholder
	}
	var b strings.Builder
	b.WriteString("### Database Schema:\n\n")
	for _, t := range tables {
		b.WriteString("Table: " + t.FullName + "\n")
		for _, c := range t.Columns {
			b.WriteString("  - " + c.Name)
			if c.Type != "" {
				b.WriteString(" (" + c.Type + ")")
			}
			if c.IsPrimaryKey {
				b.WriteString(" (PK)")
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// GenerateExamples produces worked question/answer pairs from the schema so
// the model sees the exact answer shape and three-part table naming it must
// reproduce. Limited to the first 20 tables.
func GenerateExamples(databaseName string, tables []Table) string {
	if len(tables) == 0 {
		return NoExamplesPlaceholder
	}

	var b strings.Builder
	b.WriteString("Below are some general examples of questions:\n\n")

	limit := len(tables)
	if limit > 20 {
		limit = 20
	}
	for i := 0; i < limit; i++ {
		t := tables[i]
		fmt.Fprintf(&b, "%d. Calculate the total number of records in %s?,\n", i+1, t.DisplayName)
		fmt.Fprintf(&b, "Your SQL Query will be like \"SELECT COUNT(*) AS TotalRecords FROM %s;\"\n\n", t.FullName)
	}

	if len(tables) >= 2 {
		first, second := tables[0], tables[1]
		fmt.Fprintf(&b, "%d. Show me the top 10 records from %s?,\n", limit+1, first.DisplayName)
		fmt.Fprintf(&b, "Your SQL Query will be like \"SELECT TOP 10 * FROM %s;\"\n\n", first.FullName)

		joinLeft := joinColumn(first)
		joinRight := joinColumn(second)
		fmt.Fprintf(&b, "%d. Join %s with %s?,\n", limit+2, first.DisplayName, second.DisplayName)
		fmt.Fprintf(&b, "Your SQL Query will be like \"SELECT t1.*, t2.*\nFROM %s t1\nJOIN %s t2 ON t1.%s = t2.%s;\"\n\n",
			first.FullName, second.FullName, joinLeft, joinRight)
	}

	return b.String()
}

// joinColumn picks the most plausible join column: primary key first, then
// anything id/key-shaped, then the first column.
func joinColumn(t Table) string {
	for _, c := range t.Columns {
		if c.IsPrimaryKey {
			return c.Name
		}
	}
	for _, c := range t.Columns {
		lowered := strings.ToLower(c.Name)
		if strings.Contains(lowered, "id") || strings.Contains(lowered, "key") {
			return c.Name
		}
	}
	if len(t.Columns) > 0 {
		return t.Columns[0].Name
	}
	return "ID"
}

// ComposePrompt assembles the full generation prompt: schema, examples and
// the output rules the extractor depends on. Pure formatting.
func ComposePrompt(question string, ctx Context) string {
	databaseName := ctx.Connection.Database

	cleanSchema := strings.TrimSpace(strings.ReplaceAll(ctx.PromptTemplate, "### Database Schema:", ""))
	formattedSchema := ""
	if cleanSchema != "" {
		formattedSchema = "Below is the database schema\n" + cleanSchema
	}

	examples := ctx.QueryExamples
	if strings.TrimSpace(examples) == "" || strings.Contains(examples, "No tables available") {
		examples = "No examples available for database " + databaseName
	}

	return fmt.Sprintf(`You are an expert in SQL Server. Your task is to generate a valid SQL Server query for the given question

Here is the existing database table:
%s

%s

Here are the output rules:
%s

IMPORTANT: Your output MUST follow the pattern "Your SQL Query will be like "SQL QUERY HERE"". Do not include triple backticks, explanations, or any other text.
You MUST format all table references as [DATABASE_NAME].[SCHEMA_NAME].[TABLE_NAME] where DATABASE_NAME is the current database name which is: %s

User Question: %s by looking at existing database table
`, formattedSchema, examples, outputRules, databaseName, question)
}

const outputRules = `### Output Rules:
1. ALL table references MUST use the format [DATABASE_NAME].[SCHEMA_NAME].[TABLE_NAME].
2. STRICTLY follow the example format: Your SQL Query will be like "SQL QUERY HERE".
3. Do NOT include triple backticks or markdown markup.
4. Always use SQL Server syntax: use TOP instead of LIMIT for row limitations.
5. If the question asks for "top", "largest", "smallest" or "lowest" records, use SELECT TOP X ... ORDER BY accordingly.
6. When filtering by a specific month, use MONTH(date) = MM rather than comparing to a 'YYYY-MM' string.
7. Only use table and column names that exist in the provided schema.
8. When using aggregate functions for grouped data, include a corresponding GROUP BY clause.
9. Do not include ORDER BY clauses in subqueries, derived tables or views unless accompanied by TOP, OFFSET or FOR XML.
10. If the query involves more than one table, use table aliases for readability.
11. Return only ONE SQL query. No explanations.`
