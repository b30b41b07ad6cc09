package database

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// QueryResult is the wire shape of an ad-hoc read-only query.
type QueryResult struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"rowCount"`
}

// ExecuteReadOnlyQuery runs one SELECT against the read handle with a 30 s
// deadline, returning column names and up to maxRows of results. Statement
// stacking and writes are rejected up front; the read pool never holds the
// writer lock, so a slow query cannot stall ingest.
func (db *DB) ExecuteReadOnlyQuery(ctx context.Context, query string, params []any, maxRows int) (*QueryResult, error) {
	if strings.Contains(query, ";") {
		return nil, fmt.Errorf("multiple statements not allowed")
	}
	head := strings.ToUpper(strings.TrimSpace(query))
	if !strings.HasPrefix(head, "SELECT") && !strings.HasPrefix(head, "WITH") {
		return nil, fmt.Errorf("only SELECT queries are allowed")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := db.r.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var resultRows [][]any
	for rows.Next() {
		if len(resultRows) >= maxRows {
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		// SQLite hands TEXT back as []byte; make it JSON-friendly.
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		resultRows = append(resultRows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	if resultRows == nil {
		resultRows = [][]any{}
	}
	return &QueryResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
	}, nil
}
