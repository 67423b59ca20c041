package backend

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/kalambet/duplex/internal/record"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteCatalog is the local-mode catalog. Unlike the Athena catalog, whose
// external tables read the object prefix directly, SQLite holds its own
// rows, so Load mirrors each written document into the kind's table.
type SQLiteCatalog struct {
	db *sql.DB
}

// OpenSQLiteCatalog opens (or creates) the catalog database in dataDir and
// runs pending migrations. Pass ":memory:" for an in-memory catalog (tests).
func OpenSQLiteCatalog(dataDir string) (*SQLiteCatalog, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "catalog.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging catalog database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	c := &SQLiteCatalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return c, nil
}

// Close closes the underlying database connection.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (c *SQLiteCatalog) migrate() error {
	if _, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := c.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := c.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// sqliteTypes maps logical column types onto acceptable SQLite declarations.
var sqliteTypes = map[record.ColumnType][]string{
	record.TypeBigint:      {"INTEGER"},
	record.TypeInt:         {"INTEGER"},
	record.TypeString:      {"TEXT"},
	record.TypeDouble:      {"REAL"},
	record.TypeDoubleArray: {"TEXT"}, // JSON array stored as text
	record.TypeTimestamp:   {"TEXT"},
}

// Probe verifies the table backing kind exists and its columns cover the
// kind's logical schema with compatible types.
func (c *SQLiteCatalog) Probe(ctx context.Context, kind record.Kind) error {
	table := kind.TableName()
	if table == "" {
		return &CodedError{Code: "InvalidParameterValue", Op: "catalog.probe", Err: fmt.Errorf("unknown kind %q", kind)}
	}

	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return &CodedError{Code: "CatalogUnreachable", Op: "catalog.probe", Err: err}
	}
	defer rows.Close()

	declared := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, declType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return &CodedError{Code: "CatalogUnreachable", Op: "catalog.probe", Err: err}
		}
		declared[name] = strings.ToUpper(declType)
	}
	if err := rows.Err(); err != nil {
		return &CodedError{Code: "CatalogUnreachable", Op: "catalog.probe", Err: err}
	}
	if len(declared) == 0 {
		return &CodedError{Code: "TableNotFoundException", Op: "catalog.probe", Err: fmt.Errorf("table %s does not exist", table)}
	}

	for _, col := range record.Schema(kind) {
		declType, ok := declared[col.Name]
		if !ok {
			return &CodedError{Code: "MetadataException", Op: "catalog.probe",
				Err: fmt.Errorf("table %s missing column %s", table, col.Name)}
		}
		if !typeCompatible(declType, sqliteTypes[col.Type]) {
			return &CodedError{Code: "MetadataException", Op: "catalog.probe",
				Err: fmt.Errorf("table %s column %s has type %s, want %v", table, col.Name, declType, sqliteTypes[col.Type])}
		}
	}
	return nil
}

func typeCompatible(declared string, accepted []string) bool {
	for _, t := range accepted {
		if declared == t {
			return true
		}
	}
	return false
}

// Load mirrors a record document into the kind's table so bulk queries can
// surface it. Re-loading the same identifier replaces the row, which is how
// status transitions on job executions and escalations become queryable.
func (c *SQLiteCatalog) Load(ctx context.Context, kind record.Kind, doc []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		return fmt.Errorf("decoding %s document: %w", kind, err)
	}

	schema := record.Schema(kind)
	cols := make([]string, 0, len(schema))
	placeholders := make([]string, 0, len(schema))
	args := make([]any, 0, len(schema))
	for _, col := range schema {
		cols = append(cols, col.Name)
		placeholders = append(placeholders, "?")
		args = append(args, sqliteValue(col, fields[col.Name]))
	}

	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		kind.TableName(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return &CodedError{Code: "CatalogUnreachable", Op: "catalog.load", Err: err}
	}
	return nil
}

func sqliteValue(col record.Column, v any) any {
	if v == nil {
		return nil
	}
	switch col.Type {
	case record.TypeDoubleArray:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(b)
	case record.TypeBigint, record.TypeInt:
		// encoding/json decodes numbers as float64.
		if f, ok := v.(float64); ok {
			return int64(f)
		}
	}
	return v
}

// Query runs a parameterized read-only query with pagination.
func (c *SQLiteCatalog) Query(ctx context.Context, query string, args []any, limit, offset int) (*ResultSet, error) {
	paged := fmt.Sprintf("SELECT * FROM (%s) LIMIT %d OFFSET %d", query, limit, offset)
	rows, err := c.db.QueryContext(ctx, paged, args...)
	if err != nil {
		return nil, queryError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &CodedError{Code: "CatalogUnreachable", Op: "catalog.query", Err: err}
	}

	result := &ResultSet{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &CodedError{Code: "CatalogUnreachable", Op: "catalog.query", Err: err}
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &CodedError{Code: "CatalogUnreachable", Op: "catalog.query", Err: err}
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

// queryError distinguishes malformed SQL from infrastructure failure so the
// fault layer can tell the caller which side to fix.
func queryError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "syntax error") || strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") {
		return &CodedError{Code: "InvalidQueryException", Op: "catalog.query", Err: err}
	}
	return &CodedError{Code: "CatalogUnreachable", Op: "catalog.query", Err: err}
}
