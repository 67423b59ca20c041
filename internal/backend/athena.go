package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"

	"github.com/kalambet/duplex/internal/record"
)

// AthenaAPI is the slice of the Athena client the catalog uses.
type AthenaAPI interface {
	GetTableMetadata(ctx context.Context, params *athena.GetTableMetadataInput, optFns ...func(*athena.Options)) (*athena.GetTableMetadataOutput, error)
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
}

// AthenaCatalog is the production catalog. Tables are external tables over
// the S3 record prefix, so documents written to the object store become
// queryable without an explicit load step; Load is a no-op.
type AthenaCatalog struct {
	client         AthenaAPI
	database       string
	workgroup      string
	outputLocation string
	pollInterval   time.Duration
}

type AthenaConfig struct {
	Database       string
	Workgroup      string
	OutputLocation string
	// PollInterval between GetQueryExecution calls; defaults to 500ms.
	PollInterval time.Duration
}

func NewAthenaCatalog(client AthenaAPI, cfg AthenaConfig) *AthenaCatalog {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &AthenaCatalog{
		client:         client,
		database:       cfg.Database,
		workgroup:      cfg.Workgroup,
		outputLocation: cfg.OutputLocation,
		pollInterval:   poll,
	}
}

// athenaTypes maps logical column types onto acceptable Athena/Glue types.
var athenaTypes = map[record.ColumnType][]string{
	record.TypeBigint:      {"bigint"},
	record.TypeInt:         {"int", "integer", "bigint"},
	record.TypeString:      {"string", "varchar"},
	record.TypeDouble:      {"double", "float"},
	record.TypeDoubleArray: {"array<double>"},
	record.TypeTimestamp:   {"timestamp", "string"},
}

// Probe confirms the Glue table for kind is reachable and its columns cover
// the kind's logical schema. It deliberately does not read back any row:
// catalog-over-object-store is read-after-write-eventually-consistent, so a
// row probe would flag healthy writes as failures.
func (c *AthenaCatalog) Probe(ctx context.Context, kind record.Kind) error {
	table := kind.TableName()
	if table == "" {
		return &CodedError{Code: "InvalidParameterValue", Op: "catalog.probe", Err: fmt.Errorf("unknown kind %q", kind)}
	}

	out, err := c.client.GetTableMetadata(ctx, &athena.GetTableMetadataInput{
		CatalogName:  aws.String("AwsDataCatalog"),
		DatabaseName: aws.String(c.database),
		TableName:    aws.String(table),
	})
	if err != nil {
		return fmt.Errorf("probing table %s: %w", table, err)
	}

	declared := make(map[string]string)
	for _, col := range out.TableMetadata.Columns {
		declared[aws.ToString(col.Name)] = strings.ToLower(aws.ToString(col.Type))
	}

	for _, col := range record.Schema(kind) {
		declType, ok := declared[col.Name]
		if !ok {
			return &CodedError{Code: "MetadataException", Op: "catalog.probe",
				Err: fmt.Errorf("table %s missing column %s", table, col.Name)}
		}
		if !typeCompatible(declType, athenaTypes[col.Type]) {
			return &CodedError{Code: "MetadataException", Op: "catalog.probe",
				Err: fmt.Errorf("table %s column %s has type %s, want one of %v", table, col.Name, declType, athenaTypes[col.Type])}
		}
	}
	return nil
}

// Load is a no-op: Athena external tables read the object prefix directly.
func (c *AthenaCatalog) Load(_ context.Context, _ record.Kind, _ []byte) error {
	return nil
}

// Query starts a query execution, waits for it to finish, and returns one
// page of results. Parameters use Athena execution parameters (? markers).
func (c *AthenaCatalog) Query(ctx context.Context, query string, args []any, limit, offset int) (*ResultSet, error) {
	input := &athena.StartQueryExecutionInput{
		QueryString: aws.String(query),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{
			Database: aws.String(c.database),
		},
	}
	if c.workgroup != "" {
		input.WorkGroup = aws.String(c.workgroup)
	}
	if c.outputLocation != "" {
		input.ResultConfiguration = &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(c.outputLocation),
		}
	}
	for _, a := range args {
		input.ExecutionParameters = append(input.ExecutionParameters, fmt.Sprintf("%v", a))
	}

	started, err := c.client.StartQueryExecution(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("starting query execution: %w", err)
	}
	execID := aws.ToString(started.QueryExecutionId)

	if err := c.waitForQuery(ctx, execID); err != nil {
		return nil, err
	}
	return c.fetchResults(ctx, execID, limit, offset)
}

func (c *AthenaCatalog) waitForQuery(ctx context.Context, execID string) error {
	for {
		out, err := c.client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(execID),
		})
		if err != nil {
			return fmt.Errorf("polling query %s: %w", execID, err)
		}

		state := out.QueryExecution.Status.State
		switch state {
		case athenatypes.QueryExecutionStateSucceeded:
			return nil
		case athenatypes.QueryExecutionStateFailed:
			reason := aws.ToString(out.QueryExecution.Status.StateChangeReason)
			if strings.Contains(strings.ToUpper(reason), "SYNTAX") {
				return &CodedError{Code: "InvalidQueryException", Op: "catalog.query", Err: fmt.Errorf("query failed: %s", reason)}
			}
			return &CodedError{Code: "CatalogUnreachable", Op: "catalog.query", Err: fmt.Errorf("query failed: %s", reason)}
		case athenatypes.QueryExecutionStateCancelled:
			return &CodedError{Code: "CatalogUnreachable", Op: "catalog.query", Err: fmt.Errorf("query %s was cancelled", execID)}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *AthenaCatalog) fetchResults(ctx context.Context, execID string, limit, offset int) (*ResultSet, error) {
	result := &ResultSet{Rows: []map[string]any{}}
	var nextToken *string
	skip := offset
	headerSeen := false

	for {
		out, err := c.client.GetQueryResults(ctx, &athena.GetQueryResultsInput{
			QueryExecutionId: aws.String(execID),
			NextToken:        nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("fetching results for query %s: %w", execID, err)
		}

		if result.Columns == nil && out.ResultSet.ResultSetMetadata != nil {
			for _, info := range out.ResultSet.ResultSetMetadata.ColumnInfo {
				result.Columns = append(result.Columns, aws.ToString(info.Name))
			}
		}

		for _, row := range out.ResultSet.Rows {
			// The first row of the first page is the header.
			if !headerSeen {
				headerSeen = true
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			if len(result.Rows) >= limit {
				break
			}
			m := make(map[string]any, len(result.Columns))
			for i, datum := range row.Data {
				if i >= len(result.Columns) {
					break
				}
				if datum.VarCharValue == nil {
					m[result.Columns[i]] = nil
				} else {
					m[result.Columns[i]] = *datum.VarCharValue
				}
			}
			result.Rows = append(result.Rows, m)
		}

		if out.NextToken == nil || len(result.Rows) >= limit {
			break
		}
		nextToken = out.NextToken
	}

	result.RowCount = len(result.Rows)
	return result, nil
}
