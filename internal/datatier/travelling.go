package datatier

import (
	"datameta/internal/metadata"
)

// ExportTravelling builds the travelling snapshot of a version: the dataset
// document with the version's annotations appended, the originating version
// number and a synchronisation timestamp set to now.
func (t Tier) ExportTravelling(dataset, version metadata.Document) (metadata.Document, metadata.Schema, error) {
	d, err := t.load(dataset)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	v, err := t.load(version)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	for _, a := range v.Annotations() {
		d.Append(a)
	}
	d.SetSynchronised(t.now())
	d.SetDatasetVersion(v.DatasetVersion())
	return d.Document(), d.JSONSchema(), nil
}

// ImportTravellingNew creates a new dataset seeded with the travelling labels
// and its first version seeded with the travelling annotations.
func (t Tier) ImportTravellingNew(travelling metadata.Document, version int) (ImportResult, error) {
	tm, err := t.load(travelling)
	if err != nil {
		return ImportResult{}, err
	}
	dataset, err := t.CreateDataset(tm.Name(), tm.ID(), tm.Description(), tm.CreatedBy(), Params{
		Labels: labelSpecs(tm.Labels(metadata.AllLabels)),
	})
	if err != nil {
		return ImportResult{}, err
	}
	v, schema, err := t.CreateVersion(dataset, version, Params{Annotations: versionRecords(tm)})
	if err != nil {
		return ImportResult{}, err
	}
	return ImportResult{Dataset: dataset, Version: v, Schema: schema}, nil
}

// ImportTravellingExisting patches an existing dataset with the travelling
// labels created after the snapshot's synchronisation timestamp, then creates
// a new version seeded with the travelling annotations.
func (t Tier) ImportTravellingExisting(travelling, dataset metadata.Document, version int) (ImportResult, error) {
	tm, err := t.load(travelling)
	if err != nil {
		return ImportResult{}, err
	}
	if tm.ID() != dataset.DatasetID {
		return ImportResult{}, metadata.ValidationError{
			Field:  "dataset_id",
			Reason: "of the travelling metadata does not match the target dataset",
		}
	}
	since, ok := tm.Synchronised()
	if !ok {
		return ImportResult{}, metadata.MalformedDocumentError{Key: "synchronised_datetime"}
	}
	unapplied := labelSpecs(tm.UnappliedLabels(since))
	updated, err := t.UpdateDataset(dataset, Params{Labels: unapplied})
	if err != nil {
		return ImportResult{}, err
	}
	v, schema, err := t.CreateVersion(updated, version, Params{Annotations: versionRecords(tm)})
	if err != nil {
		return ImportResult{}, err
	}
	return ImportResult{
		Dataset:       updated,
		Version:       v,
		Schema:        schema,
		LabelsChanged: len(unapplied) > 0,
	}, nil
}

// PatchTravelling edits a snapshot still in transit. Description, Labels and
// Annotations are applied; each added annotation lands in the log once.
func (t Tier) PatchTravelling(travelling metadata.Document, p Params) (metadata.Document, metadata.Schema, error) {
	tm, err := t.load(travelling)
	if err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	if p.Description != nil {
		if err := tm.SetDescription(*p.Description); err != nil {
			return metadata.Document{}, metadata.Schema{}, err
		}
	}
	if err := tm.AddLabels(p.Labels...); err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	if err := tm.AddAnnotations(p.Annotations...); err != nil {
		return metadata.Document{}, metadata.Schema{}, err
	}
	return tm.Document(), tm.JSONSchema(), nil
}

// labelSpecs converts a most-recent-first label list into specs ordered
// oldest first, so appending them keeps the original precedence.
func labelSpecs(labels []*metadata.Label) []metadata.LabelSpec {
	out := make([]metadata.LabelSpec, 0, len(labels))
	for i := len(labels) - 1; i >= 0; i-- {
		out = append(out, labels[i].Spec())
	}
	return out
}

// versionRecords lists the travelling annotations that belong at the version
// level. Labels are carried by the dataset and are left out.
func versionRecords(tm *metadata.Metadata) []metadata.Record {
	var out []metadata.Record
	for _, a := range tm.Annotations() {
		if a.Type() == metadata.LabelType {
			continue
		}
		out = append(out, a.Record())
	}
	return out
}
