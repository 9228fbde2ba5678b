package metadata

import (
	"encoding/json"
	"time"
)

// Document is the plain, JSON-serializable form of a Metadata aggregate.
type Document struct {
	DatasetName     string   `json:"dataset_name"`
	DatasetID       string   `json:"dataset_id"`
	Description     string   `json:"description"`
	Created         string   `json:"created"`
	LastUpdated     string   `json:"last_updated"`
	CreatedBy       string   `json:"created_by"`
	MetadataVersion string   `json:"metadata_version"`
	DatasetVersion  int      `json:"dataset_version,omitempty"`
	Synchronised    string   `json:"synchronised_datetime,omitempty"`
	Annotations     []Record `json:"annotations"`
}

var documentKeys = []string{
	"dataset_name",
	"dataset_id",
	"description",
	"created",
	"last_updated",
	"created_by",
	"metadata_version",
	"annotations",
}

// ParseDocument decodes a JSON metadata document, reporting the first
// expected key that is absent.
func ParseDocument(raw []byte) (Document, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return Document{}, MalformedDocumentError{Key: "document", Err: err}
	}
	for _, k := range documentKeys {
		if _, ok := keys[k]; !ok {
			return Document{}, MalformedDocumentError{Key: k}
		}
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, MalformedDocumentError{Key: "document", Err: err}
	}
	return doc, nil
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := d
	out.Annotations = make([]Record, len(d.Annotations))
	for i, r := range d.Annotations {
		out.Annotations[i] = r.Clone()
	}
	return out
}

// Document serializes the aggregate. Annotations keep their log order and
// their original creation timestamps.
func (m *Metadata) Document() Document {
	doc := Document{
		DatasetName:     m.name,
		DatasetID:       m.id,
		Description:     m.description,
		Created:         formatTime(m.created),
		LastUpdated:     formatTime(m.lastUpdated),
		CreatedBy:       m.createdBy,
		MetadataVersion: m.version,
		DatasetVersion:  m.datasetVersion,
		Annotations:     m.AnnotationRecords(""),
	}
	if !m.synchronised.IsZero() {
		doc.Synchronised = formatTime(m.synchronised)
	}
	return doc
}

// FromDocument rebuilds an aggregate by replaying the document as-is. It is
// atomic: when any annotation record fails, no aggregate is returned.
func FromDocument(doc Document, opts ...Option) (*Metadata, error) {
	if err := required("dataset_name", doc.DatasetName); err != nil {
		return nil, err
	}
	if err := required("dataset_id", doc.DatasetID); err != nil {
		return nil, err
	}
	if err := required("created_by", doc.CreatedBy); err != nil {
		return nil, err
	}
	created, err := documentTime("created", doc.Created)
	if err != nil {
		return nil, err
	}
	lastUpdated, err := documentTime("last_updated", doc.LastUpdated)
	if err != nil {
		return nil, err
	}
	annotations, err := ParseRecords(doc.Annotations)
	if err != nil {
		return nil, err
	}

	m := newEmpty(opts)
	m.name = doc.DatasetName
	m.id = doc.DatasetID
	m.description = doc.Description
	m.createdBy = doc.CreatedBy
	m.created = created
	m.lastUpdated = lastUpdated
	if doc.MetadataVersion != "" {
		m.version = doc.MetadataVersion
	}
	m.datasetVersion = doc.DatasetVersion
	if doc.Synchronised != "" {
		if m.synchronised, err = documentTime("synchronised_datetime", doc.Synchronised); err != nil {
			return nil, err
		}
	}
	m.annotations = annotations
	return m, nil
}

func documentTime(key, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, MalformedDocumentError{Key: key}
	}
	t, err := parseTime(value)
	if err != nil {
		return time.Time{}, MalformedDocumentError{Key: key, Err: err}
	}
	return t, nil
}
