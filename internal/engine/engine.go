package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"datameta/internal/config"
	"datameta/internal/datatier"
	"datameta/internal/domain"
	"datameta/internal/events"
	"datameta/internal/metadata"
	"datameta/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// Tier returns the data tier bound to the engine clock and configured schema
// identifiers.
func (e Engine) Tier() datatier.Tier {
	t := datatier.Tier{Now: e.now}
	if e.Config != nil {
		t.SchemaDialect = e.Config.Schema.Dialect
		t.SchemaID = e.Config.Schema.ID
	}
	return t
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) source() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Travelling.Source
}

// DatasetCreateOptions are parameters for creating a dataset.
type DatasetCreateOptions struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string
	Labels      []metadata.LabelSpec
	ActorID     string
}

func (e Engine) CreateDataset(ctx context.Context, opts DatasetCreateOptions) (metadata.Document, error) {
	if opts.CreatedBy == "" {
		opts.CreatedBy = opts.ActorID
	}
	id := opts.ID
	if id == "" {
		now := e.now().UTC().Format(time.RFC3339Nano)
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Name+"|"+opts.CreatedBy+"|"+now)).String()
	}
	doc, err := e.Tier().CreateDataset(opts.Name, id, opts.Description, opts.CreatedBy, datatier.Params{Labels: opts.Labels})
	if err != nil {
		return metadata.Document{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return metadata.Document{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDatasetTx(ctx, tx, doc); err != nil {
		return metadata.Document{}, err
	}
	if err := e.events().Append(ctx, tx, domain.EventDatasetCreate, doc.DatasetID, 0, opts.ActorID, events.EventPayload{
		"name":   doc.DatasetName,
		"labels": len(opts.Labels),
	}); err != nil {
		return metadata.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return metadata.Document{}, err
	}
	e.log().Info("dataset created", zap.String("dataset_id", doc.DatasetID), zap.String("name", doc.DatasetName))
	return doc, nil
}

// CreateVersion stores a new version of a dataset. A zero version takes the
// next number after the highest stored one.
func (e Engine) CreateVersion(ctx context.Context, datasetID string, version int, p datatier.Params, actorID string) (metadata.Document, metadata.Schema, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	defer tx.Rollback()
	dataset, err := e.Repo.GetDatasetTx(ctx, tx, datasetID)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	if version == 0 {
		if version, err = e.nextVersion(ctx, tx, datasetID); err != nil {
			return metadata.Document{}, metadata.Schema{}, err
		}
	}
	doc, schema, err := e.Tier().CreateVersion(dataset, version, p)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	if err := e.Repo.InsertVersionTx(ctx, tx, doc, schema); err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	if err := e.events().Append(ctx, tx, domain.EventVersionCreate, datasetID, version, actorID, events.EventPayload{
		"annotations": len(doc.Annotations),
		"required":    schema.Required,
	}); err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	if err := tx.Commit(); err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	e.log().Info("version created", zap.String("dataset_id", datasetID), zap.Int("version", version))
	return doc, schema, nil
}

func (e Engine) nextVersion(ctx context.Context, tx *sql.Tx, datasetID string) (int, error) {
	top, err := e.Repo.MaxVersionTx(ctx, tx, datasetID)
	if err != nil {
		return 0, err
	}
	return top + 1, nil
}

// UpdateDataset applies description and label changes at the dataset level.
// When labels change, every stored version schema is re-derived.
func (e Engine) UpdateDataset(ctx context.Context, datasetID string, p datatier.Params, actorID string) (metadata.Document, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return metadata.Document{}, err
	}
	defer tx.Rollback()
	dataset, err := e.Repo.GetDatasetTx(ctx, tx, datasetID)
	if err != nil {
		return metadata.Document{}, err
	}
	updated, err := e.Tier().UpdateDataset(dataset, p)
	if err != nil {
		return metadata.Document{}, err
	}
	if err := e.Repo.UpdateDatasetTx(ctx, tx, updated); err != nil {
		return metadata.Document{}, err
	}
	refreshed := 0
	if len(p.Labels) > 0 {
		if refreshed, err = e.refreshSchemas(ctx, tx, updated); err != nil {
			return metadata.Document{}, err
		}
	}
	if err := e.events().Append(ctx, tx, domain.EventDatasetUpdate, datasetID, 0, actorID, events.EventPayload{
		"description_changed": p.Description != nil,
		"labels":              len(p.Labels),
		"schemas_refreshed":   refreshed,
	}); err != nil {
		return metadata.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return metadata.Document{}, err
	}
	e.log().Info("dataset updated", zap.String("dataset_id", datasetID), zap.Int("schemas_refreshed", refreshed))
	return updated, nil
}

// refreshSchemas re-derives and stores the schema of every version of the
// dataset. It returns the number of versions touched.
func (e Engine) refreshSchemas(ctx context.Context, tx *sql.Tx, dataset metadata.Document) (int, error) {
	versions, err := e.Repo.ListVersionDocumentsTx(ctx, tx, dataset.DatasetID)
	if err != nil {
		return 0, err
	}
	schemas, err := e.Tier().RefreshSchemas(dataset, versions)
	if err != nil {
		return 0, fmt.Errorf("refresh schemas: %w", err)
	}
	for i, v := range versions {
		if err := e.Repo.UpdateVersionSchemaTx(ctx, tx, v.DatasetID, v.DatasetVersion, schemas[i]); err != nil {
			return 0, err
		}
		e.log().Debug("schema refreshed", zap.String("dataset_id", v.DatasetID), zap.Int("version", v.DatasetVersion))
	}
	return len(versions), nil
}

func (e Engine) UpdateVersion(ctx context.Context, datasetID string, version int, p datatier.Params, actorID string) (metadata.Document, metadata.Schema, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	defer tx.Rollback()
	dataset, err := e.Repo.GetDatasetTx(ctx, tx, datasetID)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	current, err := e.Repo.GetVersionTx(ctx, tx, datasetID, version)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	doc, schema, err := e.Tier().UpdateVersion(dataset, current, p)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	if err := e.Repo.UpdateVersionTx(ctx, tx, doc, schema); err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	if err := e.events().Append(ctx, tx, domain.EventVersionUpdate, datasetID, version, actorID, events.EventPayload{
		"description_changed": p.Description != nil,
		"annotations":         len(p.Annotations),
	}); err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	if err := tx.Commit(); err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	e.log().Info("version updated", zap.String("dataset_id", datasetID), zap.Int("version", version))
	return doc, schema, nil
}

func (e Engine) Dataset(ctx context.Context, datasetID string) (metadata.Document, error) {
	return e.Repo.GetDataset(ctx, datasetID)
}

func (e Engine) Version(ctx context.Context, datasetID string, version int) (metadata.Document, error) {
	return e.Repo.GetVersion(ctx, datasetID, version)
}

func (e Engine) ListDatasets(ctx context.Context) ([]domain.DatasetSummary, error) {
	return e.Repo.ListDatasets(ctx)
}

// ListVersions fails with repo.ErrNotFound for an unknown dataset.
func (e Engine) ListVersions(ctx context.Context, datasetID string) ([]domain.VersionSummary, error) {
	if _, err := e.Repo.GetDataset(ctx, datasetID); err != nil {
		return nil, err
	}
	return e.Repo.ListVersions(ctx, datasetID)
}

// VersionSchema derives the schema of a version from the stored documents,
// merging the current dataset labels in.
func (e Engine) VersionSchema(ctx context.Context, datasetID string, version int) (metadata.Schema, error) {
	dataset, err := e.Repo.GetDataset(ctx, datasetID)
	if err != nil {
		return metadata.Schema{}, err
	}
	v, err := e.Repo.GetVersion(ctx, datasetID, version)
	if err != nil {
		return metadata.Schema{}, err
	}
	return e.Tier().VersionSchema(dataset, v)
}

// Labels lists the most recent label per key of a dataset, newest first.
func (e Engine) Labels(ctx context.Context, datasetID string, f metadata.LabelFilter) ([]*metadata.Label, error) {
	doc, err := e.Repo.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	m, err := metadata.FromDocument(doc)
	if err != nil {
		return nil, err
	}
	return m.Labels(f), nil
}

// ExportTravelling builds the travelling snapshot of a stored version and
// records the export.
func (e Engine) ExportTravelling(ctx context.Context, datasetID string, version int, actorID string) (metadata.Document, metadata.Schema, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	defer tx.Rollback()
	dataset, err := e.Repo.GetDatasetTx(ctx, tx, datasetID)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	v, err := e.Repo.GetVersionTx(ctx, tx, datasetID, version)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	doc, schema, err := e.Tier().ExportTravelling(dataset, v)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	if err := e.events().Append(ctx, tx, domain.EventTravellingExport, datasetID, version, actorID, events.EventPayload{
		"synchronised_datetime": doc.Synchronised,
		"source":                e.source(),
	}); err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	if err := tx.Commit(); err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	e.log().Info("travelling exported", zap.String("dataset_id", datasetID), zap.Int("version", version))
	return doc, schema, nil
}

// ImportTravelling stores a travelling snapshot as a new version. An unknown
// dataset id creates the dataset from the snapshot; a known one is patched
// with the labels set after synchronisation. A zero version takes the next
// free number.
func (e Engine) ImportTravelling(ctx context.Context, travelling metadata.Document, version int, actorID string) (datatier.ImportResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return datatier.ImportResult{}, err
	}
	defer tx.Rollback()

	path := "existing"
	dataset, err := e.Repo.GetDatasetTx(ctx, tx, travelling.DatasetID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		path = "new"
	case err != nil:
		return datatier.ImportResult{}, err
	}
	if version == 0 {
		if version, err = e.nextVersion(ctx, tx, travelling.DatasetID); err != nil {
			return datatier.ImportResult{}, err
		}
	}

	var res datatier.ImportResult
	if path == "new" {
		if res, err = e.Tier().ImportTravellingNew(travelling, version); err != nil {
			return datatier.ImportResult{}, err
		}
		if err := e.Repo.InsertDatasetTx(ctx, tx, res.Dataset); err != nil {
			return datatier.ImportResult{}, err
		}
	} else {
		if res, err = e.Tier().ImportTravellingExisting(travelling, dataset, version); err != nil {
			return datatier.ImportResult{}, err
		}
		if err := e.Repo.UpdateDatasetTx(ctx, tx, res.Dataset); err != nil {
			return datatier.ImportResult{}, err
		}
	}
	if err := e.Repo.InsertVersionTx(ctx, tx, res.Version, res.Schema); err != nil {
		return datatier.ImportResult{}, err
	}
	refreshed := 0
	if res.LabelsChanged {
		if refreshed, err = e.refreshSchemas(ctx, tx, res.Dataset); err != nil {
			return datatier.ImportResult{}, err
		}
	}
	if err := e.events().Append(ctx, tx, domain.EventTravellingImport, travelling.DatasetID, version, actorID, events.EventPayload{
		"path":              path,
		"labels_changed":    res.LabelsChanged,
		"schemas_refreshed": refreshed,
		"source":            e.source(),
	}); err != nil {
		return datatier.ImportResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return datatier.ImportResult{}, err
	}
	e.log().Info("travelling imported",
		zap.String("dataset_id", travelling.DatasetID),
		zap.Int("version", version),
		zap.String("path", path),
		zap.Bool("labels_changed", res.LabelsChanged))
	return res, nil
}

// PatchTravelling edits a snapshot in transit. Nothing is stored.
func (e Engine) PatchTravelling(travelling metadata.Document, p datatier.Params) (metadata.Document, metadata.Schema, error) {
	return e.Tier().PatchTravelling(travelling, p)
}

func (e Engine) LatestEvents(ctx context.Context, limit int, datasetID, evtType string) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, datasetID, evtType)
}
