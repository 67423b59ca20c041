package record

// ColumnType is the logical catalog type of a column. Backends map logical
// types onto their own type systems (Athena/Glue DDL types, SQLite storage
// classes) when creating or probing tables.
type ColumnType string

const (
	TypeBigint      ColumnType = "bigint"
	TypeInt         ColumnType = "int"
	TypeString      ColumnType = "string"
	TypeDouble      ColumnType = "double"
	TypeDoubleArray ColumnType = "array<double>"
	TypeTimestamp   ColumnType = "timestamp"
)

// Column describes one catalog column.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// Schema returns the catalog column set for a record kind. Every JSON field
// a record of that kind can produce has a same-named column here; the
// coordinator's probe verifies the live table covers this set.
func Schema(k Kind) []Column {
	switch k {
	case KindGenerated:
		return []Column{
			{Name: "subject_id", Type: TypeBigint},
			{Name: "version", Type: TypeInt},
			{Name: "pattern", Type: TypeString},
			{Name: "summary", Type: TypeString},
			{Name: "scores", Type: TypeDoubleArray},
			{Name: "confidence", Type: TypeDouble},
			{Name: "generated_at", Type: TypeTimestamp},
		}
	case KindFeedback:
		return []Column{
			{Name: "feedback_id", Type: TypeString},
			{Name: "subject_id", Type: TypeBigint},
			{Name: "version", Type: TypeInt},
			{Name: "content", Type: TypeString},
			{Name: "category", Type: TypeString},
			{Name: "submitted_at", Type: TypeTimestamp},
		}
	case KindJobExecution:
		return []Column{
			{Name: "execution_id", Type: TypeString},
			{Name: "subject_id", Type: TypeBigint},
			{Name: "status", Type: TypeString},
			{Name: "started_at", Type: TypeTimestamp},
			{Name: "stopped_at", Type: TypeTimestamp, Nullable: true},
			{Name: "duration_seconds", Type: TypeBigint},
			{Name: "error_message", Type: TypeString, Nullable: true},
		}
	case KindEscalation:
		return []Column{
			{Name: "escalation_id", Type: TypeString},
			{Name: "subject_id", Type: TypeBigint},
			{Name: "reason", Type: TypeString},
			{Name: "confidence", Type: TypeDouble},
			{Name: "status", Type: TypeString},
			{Name: "escalated_at", Type: TypeTimestamp},
			{Name: "resolved_at", Type: TypeTimestamp, Nullable: true},
			{Name: "resolution_notes", Type: TypeString, Nullable: true},
		}
	}
	return nil
}
