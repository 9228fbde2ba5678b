// Package metadata reconstructs dataset metadata from an append-only log of
// typed annotations. Current labels and the compiled content schema are never
// stored; they are derived from the log on demand.
//
// A Metadata value is not safe for concurrent mutation. Callers own an
// instance for the duration of one logical operation.
package metadata

import (
	"time"
)

const (
	// MetadataVersion tags the document format.
	MetadataVersion = "0.0.1"
	// AnnotationVersion tags the annotation record format.
	AnnotationVersion = "0.0.1"
)

// Metadata is a dataset-level or version-level aggregate.
type Metadata struct {
	name        string
	id          string
	description string
	createdBy   string
	created     time.Time
	lastUpdated time.Time
	version     string

	datasetVersion int
	synchronised   time.Time

	annotations []Annotation

	now           func() time.Time
	schemaDialect string
	schemaID      string
}

// Option configures a Metadata value at construction.
type Option func(*Metadata)

// WithClock replaces the wall clock used for created/last_updated stamps and
// for annotations built by the aggregate.
func WithClock(now func() time.Time) Option {
	return func(m *Metadata) {
		if now != nil {
			m.now = now
		}
	}
}

// WithDatasetVersion marks the aggregate as version-level metadata.
func WithDatasetVersion(v int) Option {
	return func(m *Metadata) { m.datasetVersion = v }
}

// WithSchemaIDs overrides the "$schema" and "$id" values of compiled schemas.
// Empty values keep the defaults.
func WithSchemaIDs(dialect, id string) Option {
	return func(m *Metadata) {
		if dialect != "" {
			m.schemaDialect = dialect
		}
		if id != "" {
			m.schemaID = id
		}
	}
}

func newEmpty(opts []Option) *Metadata {
	m := &Metadata{
		now:           time.Now,
		schemaDialect: DefaultSchemaDialect,
		schemaID:      DefaultSchemaID,
		version:       MetadataVersion,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// New creates an aggregate with an empty log.
func New(name, id, description, createdBy string, opts ...Option) (*Metadata, error) {
	if err := required("dataset_name", name); err != nil {
		return nil, err
	}
	if err := required("dataset_id", id); err != nil {
		return nil, err
	}
	if err := required("created_by", createdBy); err != nil {
		return nil, err
	}
	m := newEmpty(opts)
	m.name = name
	m.id = id
	m.description = description
	m.createdBy = createdBy
	m.created = m.clock()
	m.lastUpdated = m.created
	return m, nil
}

func (m *Metadata) clock() time.Time {
	return m.now().UTC()
}

func (m *Metadata) Name() string                { return m.name }
func (m *Metadata) ID() string                  { return m.id }
func (m *Metadata) Description() string         { return m.description }
func (m *Metadata) CreatedBy() string           { return m.createdBy }
func (m *Metadata) Created() time.Time          { return m.created }
func (m *Metadata) LastUpdated() time.Time      { return m.lastUpdated }
func (m *Metadata) MetadataVersion() string     { return m.version }
func (m *Metadata) DatasetVersion() int         { return m.datasetVersion }
func (m *Metadata) Len() int                    { return len(m.annotations) }
func (m *Metadata) SetDatasetVersion(v int)     { m.datasetVersion = v }
func (m *Metadata) SetSynchronised(t time.Time) { m.synchronised = t.UTC() }

// Synchronised returns the synchronisation timestamp of a travelling
// snapshot. ok is false when none was recorded.
func (m *Metadata) Synchronised() (t time.Time, ok bool) {
	return m.synchronised, !m.synchronised.IsZero()
}

// Annotation returns the annotation at log position pos.
func (m *Metadata) Annotation(pos int) (Annotation, bool) {
	if pos < 0 || pos >= len(m.annotations) {
		return nil, false
	}
	return m.annotations[pos], true
}

// Annotations returns the log in insertion order.
func (m *Metadata) Annotations() []Annotation {
	out := make([]Annotation, len(m.annotations))
	copy(out, m.annotations)
	return out
}

func (m *Metadata) touch() {
	if now := m.clock(); now.After(m.lastUpdated) {
		m.lastUpdated = now
	}
}

// Append adds an annotation to the end of the log. Creation timestamps are
// not required to be in log order.
func (m *Metadata) Append(a Annotation) {
	if a == nil {
		return
	}
	m.annotations = append(m.annotations, a)
	m.touch()
}

func (m *Metadata) audit(property, previous string) error {
	pc, err := NewPropertyChange(m.clock(), property, previous)
	if err != nil {
		return err
	}
	m.Append(pc)
	return nil
}

func (m *Metadata) SetName(name string) error {
	if err := required("dataset_name", name); err != nil {
		return err
	}
	if err := m.audit("dataset_name", m.name); err != nil {
		return err
	}
	m.name = name
	return nil
}

func (m *Metadata) SetDescription(description string) error {
	if err := m.audit("description", m.description); err != nil {
		return err
	}
	m.description = description
	return nil
}

func (m *Metadata) SetCreatedBy(createdBy string) error {
	if err := required("created_by", createdBy); err != nil {
		return err
	}
	if err := m.audit("created_by", m.createdBy); err != nil {
		return err
	}
	m.createdBy = createdBy
	return nil
}

// AddAnnotations re-instantiates each record as its variant and appends it in
// order. Application is not atomic: records before a failing one stay
// appended. Callers that need all-or-nothing should run ParseRecords first.
func (m *Metadata) AddAnnotations(records ...Record) error {
	for _, r := range records {
		a, err := ParseRecord(r)
		if err != nil {
			return err
		}
		m.Append(a)
	}
	return nil
}

// AddLabels appends one Label annotation per spec, stamped with the
// aggregate clock. Like AddAnnotations, a failing spec leaves earlier ones
// applied.
func (m *Metadata) AddLabels(specs ...LabelSpec) error {
	for _, s := range specs {
		l, err := NewLabel(m.clock(), s.Label, s.Value, s.active())
		if err != nil {
			return err
		}
		m.Append(l)
	}
	return nil
}

// Labels returns the most recent label per key, most recently appended first.
func (m *Metadata) Labels(f LabelFilter) []*Label {
	return FilterLabels(latestLabels(m.annotations), f)
}

// UnappliedLabels returns the most recent labels created strictly after since.
func (m *Metadata) UnappliedLabels(since time.Time) []*Label {
	var out []*Label
	for _, l := range latestLabels(m.annotations) {
		if l.Created.After(since) {
			out = append(out, l)
		}
	}
	return out
}

// AnnotationRecords lists records in log order, limited to one variant when t
// is non-empty.
func (m *Metadata) AnnotationRecords(t Type) []Record {
	out := make([]Record, 0, len(m.annotations))
	for _, a := range m.annotations {
		if t != "" && a.Type() != t {
			continue
		}
		out = append(out, a.Record())
	}
	return out
}

// State derives the current labels and compiled properties.
func (m *Metadata) State() State {
	return Derive(m.annotations)
}

// JSONSchema compiles every field descriptor in the log into a schema that
// lists the active properties.
func (m *Metadata) JSONSchema() Schema {
	return buildSchema(m.schemaDialect, m.schemaID, m.name, m.description, compileProperties(m.annotations))
}

// ParseRecords re-instantiates records without touching any aggregate. It
// stops at the first failing record.
func ParseRecords(records []Record) ([]Annotation, error) {
	out := make([]Annotation, 0, len(records))
	for _, r := range records {
		a, err := ParseRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
