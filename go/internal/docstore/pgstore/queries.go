package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sqlc-dev/pqtype"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Queries holds the hand-written statements against scoreboard_documents.
type Queries struct {
	db DBTX
}

func newQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

func newTxQueries(tx *sql.Tx) *Queries {
	return newQueries(tx)
}

// documentRow mirrors one scoreboard_documents row.
type documentRow struct {
	Key       string
	Version   int64
	Body      pqtype.NullRawMessage
	UpdatedAt time.Time
}

const getDocument = `-- name: GetDocument :one
SELECT key, version, body, updated_at
FROM scoreboard_documents
WHERE key = $1
`

func (q *Queries) GetDocument(ctx context.Context, key string) (documentRow, error) {
	row := q.db.QueryRowContext(ctx, getDocument, key)
	var i documentRow
	err := row.Scan(&i.Key, &i.Version, &i.Body, &i.UpdatedAt)
	return i, err
}

const getDocumentForUpdate = `-- name: GetDocumentForUpdate :one
SELECT key, version, body, updated_at
FROM scoreboard_documents
WHERE key = $1
FOR UPDATE
`

func (q *Queries) GetDocumentForUpdate(ctx context.Context, key string) (documentRow, error) {
	row := q.db.QueryRowContext(ctx, getDocumentForUpdate, key)
	var i documentRow
	err := row.Scan(&i.Key, &i.Version, &i.Body, &i.UpdatedAt)
	return i, err
}

const insertDocument = `-- name: InsertDocument :execrows
INSERT INTO scoreboard_documents (key, version, body, updated_at)
VALUES ($1, 1, $2, now())
ON CONFLICT (key) DO NOTHING
`

// InsertDocument creates the row at version 1. Zero rows affected means a
// concurrent writer created it first.
func (q *Queries) InsertDocument(ctx context.Context, key string, body json.RawMessage) (int64, error) {
	result, err := q.db.ExecContext(ctx, insertDocument, key, pqtype.NullRawMessage{RawMessage: body, Valid: true})
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const updateDocument = `-- name: UpdateDocument :one
UPDATE scoreboard_documents
SET body = $2, version = version + 1, updated_at = now()
WHERE key = $1
RETURNING version
`

func (q *Queries) UpdateDocument(ctx context.Context, key string, body json.RawMessage) (int64, error) {
	row := q.db.QueryRowContext(ctx, updateDocument, key, pqtype.NullRawMessage{RawMessage: body, Valid: true})
	var version int64
	err := row.Scan(&version)
	return version, err
}

// decodeBody turns a jsonb body into top-level fields.
func decodeBody(body pqtype.NullRawMessage) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if !body.Valid || len(body.RawMessage) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(body.RawMessage, &fields); err != nil {
		return nil, fmt.Errorf("decode document body: %w", err)
	}
	if fields == nil {
		return nil, errors.New("document body is not an object")
	}
	return fields, nil
}
