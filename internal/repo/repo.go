package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"datameta/internal/domain"
	"datameta/internal/metadata"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanDocument(row *sql.Row) (metadata.Document, error) {
	var raw string
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return metadata.Document{}, ErrNotFound
	}
	if err != nil {
		return metadata.Document{}, err
	}
	var doc metadata.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return metadata.Document{}, fmt.Errorf("decode stored document: %w", err)
	}
	return doc, nil
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Datasets

func (r Repo) InsertDatasetTx(ctx context.Context, tx *sql.Tx, doc metadata.Document) error {
	exists, err := datasetExists(ctx, tx, doc.DatasetID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("dataset %s: %w", doc.DatasetID, ErrConflict)
	}
	raw, err := marshal(doc)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO datasets(id,name,document,created_at,updated_at) VALUES (?,?,?,?,?)`,
		doc.DatasetID, doc.DatasetName, raw, doc.Created, doc.LastUpdated)
	return err
}

func (r Repo) UpdateDatasetTx(ctx context.Context, tx *sql.Tx, doc metadata.Document) error {
	raw, err := marshal(doc)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE datasets SET name=?,document=?,updated_at=? WHERE id=?`,
		doc.DatasetName, raw, doc.LastUpdated, doc.DatasetID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func datasetExists(ctx context.Context, q queryer, id string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetDataset(ctx context.Context, id string) (metadata.Document, error) {
	return scanDocument(r.DB.QueryRowContext(ctx, `SELECT document FROM datasets WHERE id=?`, id))
}

func (r Repo) GetDatasetTx(ctx context.Context, tx *sql.Tx, id string) (metadata.Document, error) {
	return scanDocument(tx.QueryRowContext(ctx, `SELECT document FROM datasets WHERE id=?`, id))
}

func (r Repo) ListDatasets(ctx context.Context) ([]domain.DatasetSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.id,d.name,d.created_at,d.updated_at,
		(SELECT COUNT(*) FROM versions v WHERE v.dataset_id=d.id) AS versions
		FROM datasets d ORDER BY d.created_at DESC, d.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.DatasetSummary{}
	for rows.Next() {
		var d domain.DatasetSummary
		if err := rows.Scan(&d.ID, &d.Name, &d.CreatedAt, &d.UpdatedAt, &d.Versions); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// Versions

func (r Repo) InsertVersionTx(ctx context.Context, tx *sql.Tx, doc metadata.Document, schema metadata.Schema) error {
	if _, err := r.GetVersionTx(ctx, tx, doc.DatasetID, doc.DatasetVersion); err == nil {
		return fmt.Errorf("dataset %s version %d: %w", doc.DatasetID, doc.DatasetVersion, ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	raw, err := marshal(doc)
	if err != nil {
		return err
	}
	rawSchema, err := marshal(schema)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO versions(dataset_id,version,document,schema,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		doc.DatasetID, doc.DatasetVersion, raw, rawSchema, doc.Created, doc.LastUpdated)
	return err
}

func (r Repo) UpdateVersionTx(ctx context.Context, tx *sql.Tx, doc metadata.Document, schema metadata.Schema) error {
	raw, err := marshal(doc)
	if err != nil {
		return err
	}
	rawSchema, err := marshal(schema)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE versions SET document=?,schema=?,updated_at=? WHERE dataset_id=? AND version=?`,
		raw, rawSchema, doc.LastUpdated, doc.DatasetID, doc.DatasetVersion)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateVersionSchemaTx stores a re-derived schema without touching the
// version document.
func (r Repo) UpdateVersionSchemaTx(ctx context.Context, tx *sql.Tx, datasetID string, version int, schema metadata.Schema) error {
	rawSchema, err := marshal(schema)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE versions SET schema=? WHERE dataset_id=? AND version=?`, rawSchema, datasetID, version)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetVersion(ctx context.Context, datasetID string, version int) (metadata.Document, error) {
	return scanDocument(r.DB.QueryRowContext(ctx, `SELECT document FROM versions WHERE dataset_id=? AND version=?`, datasetID, version))
}

func (r Repo) GetVersionTx(ctx context.Context, tx *sql.Tx, datasetID string, version int) (metadata.Document, error) {
	return scanDocument(tx.QueryRowContext(ctx, `SELECT document FROM versions WHERE dataset_id=? AND version=?`, datasetID, version))
}

// GetStoredSchema returns the schema persisted with a version.
func (r Repo) GetStoredSchema(ctx context.Context, datasetID string, version int) (metadata.Schema, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT schema FROM versions WHERE dataset_id=? AND version=?`, datasetID, version).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return metadata.Schema{}, ErrNotFound
	}
	if err != nil {
		return metadata.Schema{}, err
	}
	var s metadata.Schema
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return metadata.Schema{}, fmt.Errorf("decode stored schema: %w", err)
	}
	return s, nil
}

// MaxVersionTx returns the highest stored version of a dataset, 0 if none.
func (r Repo) MaxVersionTx(ctx context.Context, tx *sql.Tx, datasetID string) (int, error) {
	var v int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM versions WHERE dataset_id=?`, datasetID).Scan(&v)
	return v, err
}

func (r Repo) ListVersions(ctx context.Context, datasetID string) ([]domain.VersionSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT dataset_id,version,created_at,updated_at FROM versions WHERE dataset_id=? ORDER BY version`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.VersionSummary{}
	for rows.Next() {
		var v domain.VersionSummary
		if err := rows.Scan(&v.DatasetID, &v.Version, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// ListVersionDocumentsTx returns every version document of a dataset in
// version order.
func (r Repo) ListVersionDocumentsTx(ctx context.Context, tx *sql.Tx, datasetID string) ([]metadata.Document, error) {
	rows, err := tx.QueryContext(ctx, `SELECT document FROM versions WHERE dataset_id=? ORDER BY version`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []metadata.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc metadata.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode stored document: %w", err)
		}
		res = append(res, doc)
	}
	return res, rows.Err()
}

// Events

// EventFilters narrows the event log.
type EventFilters struct {
	DatasetID string
	Type      string
	// Cursor returns events with ids strictly below it when set.
	Cursor int64
}

func (r Repo) LatestEvents(ctx context.Context, limit int, datasetID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, EventFilters{DatasetID: datasetID, Type: evtType})
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.DatasetID != "" {
		clauses = append(clauses, "dataset_id=?")
		args = append(args, f.DatasetID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(dataset_id,''),COALESCE(version,0),actor_id,COALESCE(payload_json,'') FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.DatasetID, &e.Version, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
