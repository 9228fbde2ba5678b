// Package datatier combines dataset-level and version-level metadata
// documents and moves travelling snapshots between systems of record. Every
// function is a pure transformation: documents in, new documents out.
package datatier

import (
	"time"

	"datameta/internal/metadata"
)

// Tier holds the clock and schema identifiers injected into every aggregate
// it builds. The zero value uses the wall clock and the default schema ids.
type Tier struct {
	Now           func() time.Time
	SchemaDialect string
	SchemaID      string
}

// Params carries optional keyword-style parameters. Each operation reads only
// the fields it allows and silently ignores the rest.
type Params struct {
	Description    *string
	Labels         []metadata.LabelSpec
	Annotations    []metadata.Record
	DatasetVersion *int
}

// ImportResult is returned by the travelling import operations.
type ImportResult struct {
	Dataset metadata.Document
	Version metadata.Document
	Schema  metadata.Schema
	// LabelsChanged reports that dataset labels were patched. Every existing
	// version schema of the dataset must then be re-derived.
	LabelsChanged bool
}

func (t Tier) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t Tier) options(extra ...metadata.Option) []metadata.Option {
	opts := []metadata.Option{
		metadata.WithClock(t.now),
		metadata.WithSchemaIDs(t.SchemaDialect, t.SchemaID),
	}
	return append(opts, extra...)
}

func (t Tier) load(doc metadata.Document) (*metadata.Metadata, error) {
	return metadata.FromDocument(doc, t.options()...)
}

// CreateDataset builds dataset-level metadata. Labels are applied;
// DatasetVersion and Annotations belong to the version level and are dropped.
func (t Tier) CreateDataset(name, id, description, createdBy string, p Params) (metadata.Document, error) {
	m, err := metadata.New(name, id, description, createdBy, t.options()...)
	if err != nil {
		return metadata.Document{}, err
	}
	if err := m.AddLabels(p.Labels...); err != nil {
		return metadata.Document{}, err
	}
	return m.Document(), nil
}

// CreateVersion builds version-level metadata that inherits name, id,
// description and creator from its dataset. Labels are dropped; they live at
// the dataset level only. A description in p is applied after creation as an
// audited change.
func (t Tier) CreateVersion(dataset metadata.Document, version int, p Params) (metadata.Document, metadata.Schema, error) {
	if version < 1 {
		return metadata.Document{}, metadata.Schema{}, metadata.ValidationError{Field: "dataset_version", Reason: "must be positive"}
	}
	v, err := metadata.New(dataset.DatasetName, dataset.DatasetID, dataset.Description, dataset.CreatedBy,
		t.options(metadata.WithDatasetVersion(version))...)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	if p.Description != nil && *p.Description != dataset.Description {
		if err := v.SetDescription(*p.Description); err != nil {
			return metadata.Document{}, metadata.Schema{}, err
		}
	}
	if err := v.AddAnnotations(p.Annotations...); err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	doc := v.Document()
	schema, err := t.VersionSchema(dataset, doc)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	return doc, schema, nil
}

// UpdateDataset applies Description and Labels. Other parameters are ignored.
func (t Tier) UpdateDataset(dataset metadata.Document, p Params) (metadata.Document, error) {
	m, err := t.load(dataset)
	if err != nil {
		return metadata.Document{}, err
	}
	if p.Description != nil {
		if err := m.SetDescription(*p.Description); err != nil {
			return metadata.Document{}, err
		}
	}
	if err := m.AddLabels(p.Labels...); err != nil {
		return metadata.Document{}, err
	}
	return m.Document(), nil
}

// VersionSchema derives the schema of a version after merging in the current
// dataset labels. It must be re-run for every version whenever dataset labels
// change.
func (t Tier) VersionSchema(dataset, version metadata.Document) (metadata.Schema, error) {
	d, err := t.load(dataset)
	if err != nil {
		return metadata.Schema{}, err
	}
	v, err := t.load(version)
	if err != nil {
		return metadata.Schema{}, err
	}
	mergeLabels(v, d)
	return v.JSONSchema(), nil
}

// RefreshSchemas re-derives the schema of every given version of a dataset.
func (t Tier) RefreshSchemas(dataset metadata.Document, versions []metadata.Document) ([]metadata.Schema, error) {
	out := make([]metadata.Schema, 0, len(versions))
	for _, v := range versions {
		s, err := t.VersionSchema(dataset, v)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// UpdateVersion applies Description and Annotations. Dataset labels are merged
// only for the returned schema and never written into the version log.
func (t Tier) UpdateVersion(dataset, version metadata.Document, p Params) (metadata.Document, metadata.Schema, error) {
	d, err := t.load(dataset)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	v, err := t.load(version)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	if p.Description != nil {
		if err := v.SetDescription(*p.Description); err != nil {
			return metadata.Document{}, metadata.Schema{}, err
		}
	}
	if err := v.AddAnnotations(p.Annotations...); err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	doc := v.Document()
	mergeLabels(v, d)
	return doc, v.JSONSchema(), nil
}

// mergeLabels appends the dataset's current labels to a transient version
// aggregate, keeping their original timestamps.
func mergeLabels(v, d *metadata.Metadata) {
	labels := d.Labels(metadata.AllLabels)
	for i := len(labels) - 1; i >= 0; i-- {
		v.Append(labels[i])
	}
}
