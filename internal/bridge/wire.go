package bridge

import (
	"encoding/json"

	"github.com/sqlpilot/sqlpilot/internal/schema"
)

// wireTable tolerates the two field layouts the parse endpoint is known to
// emit: the column list arrives either as "columns" or as "schema", and the
// owning schema name either as "schema" (string) or "tableSchema".
type wireTable struct {
	Name        string
	SchemaName  string
	DisplayName string
	FullName    string
	PrimaryKey  string
	Columns     []schema.Column
}

func (t *wireTable) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name        string          `json:"name"`
		Schema      json.RawMessage `json:"schema"`
		TableSchema string          `json:"tableSchema"`
		DisplayName string          `json:"displayName"`
		FullName    string          `json:"fullName"`
		PrimaryKey  string          `json:"primaryKey"`
		Columns     []schema.Column `json:"columns"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	t.Name = raw.Name
	t.DisplayName = raw.DisplayName
	t.FullName = raw.FullName
	t.PrimaryKey = raw.PrimaryKey
	t.Columns = raw.Columns
	t.SchemaName = raw.TableSchema

	if len(raw.Schema) > 0 {
		var name string
		if err := json.Unmarshal(raw.Schema, &name); err == nil {
			if t.SchemaName == "" {
				t.SchemaName = name
			}
		} else if len(t.Columns) == 0 {
			var cols []schema.Column
			if err := json.Unmarshal(raw.Schema, &cols); err == nil {
				t.Columns = cols
			}
		}
	}
	return nil
}

func (t wireTable) toTable() schema.Table {
	return schema.Table{
		Name:        t.Name,
		Schema:      t.SchemaName,
		DisplayName: t.DisplayName,
		FullName:    t.FullName,
		PrimaryKey:  t.PrimaryKey,
		Columns:     t.Columns,
	}
}
