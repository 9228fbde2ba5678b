package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Type is the variant tag written to the "type" key of an annotation record.
type Type string

const (
	PropertyChangeType   Type = "PropertyChangeAnnotation"
	LabelType            Type = "LabelAnnotation"
	FieldDescriptorType  Type = "FieldsDescriptorAnnotation"
	ServiceExecutionType Type = "ServiceExecutionAnnotation"
)

// Record is the plain key/value form of an annotation, as stored inside a
// metadata document. Every record carries "type", "created" and
// "annotation_version" plus the fields of its variant.
type Record map[string]any

// Annotation is one immutable, timestamped event in a metadata log. The set of
// variants is closed: PropertyChange, Label, FieldDescriptor and
// ServiceExecution.
type Annotation interface {
	Type() Type
	CreatedAt() time.Time
	AnnotationVersion() string
	Record() Record

	sealed()
}

type base struct {
	Created time.Time
	Version string
}

func newBase(at time.Time) base {
	return base{Created: at.UTC(), Version: AnnotationVersion}
}

func (b base) CreatedAt() time.Time      { return b.Created }
func (b base) AnnotationVersion() string { return b.Version }
func (b base) sealed()                   {}

func (b base) record(t Type) Record {
	return Record{
		"type":               string(t),
		"created":            formatTime(b.Created),
		"annotation_version": b.Version,
	}
}

type parseFunc func(b base, body Record) (Annotation, error)

var parsers = map[Type]parseFunc{
	PropertyChangeType:   parsePropertyChange,
	LabelType:            parseLabel,
	FieldDescriptorType:  parseFieldDescriptor,
	ServiceExecutionType: parseServiceExecution,
}

// ParseRecord re-instantiates an annotation from its record. The creation
// timestamp is taken from the record and never synthesized.
func ParseRecord(r Record) (Annotation, error) {
	rawType, ok := r["type"]
	if !ok {
		return nil, MalformedDocumentError{Key: "type"}
	}
	tag, ok := rawType.(string)
	if !ok {
		return nil, MalformedDocumentError{Key: "type", Err: fmt.Errorf("expected string, got %T", rawType)}
	}
	parse, ok := parsers[Type(tag)]
	if !ok {
		return nil, UnknownAnnotationTypeError{Type: tag}
	}
	created, err := recordTime(r, "created")
	if err != nil {
		return nil, err
	}
	b := base{Created: created, Version: AnnotationVersion}
	if raw, present := r["annotation_version"]; present && raw != nil {
		v, ok := raw.(string)
		if !ok {
			return nil, MalformedDocumentError{Key: "annotation_version", Err: fmt.Errorf("expected string, got %T", raw)}
		}
		if v != "" {
			b.Version = v
		}
	}
	body := make(Record, len(r))
	for k, v := range r {
		switch k {
		case "type", "created", "annotation_version":
			continue
		}
		body[k] = v
	}
	return parse(b, body)
}

// DecodeRecords parses a JSON annotation payload. Both a single record object
// and an array of records are accepted.
func DecodeRecords(raw []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, MalformedDocumentError{Key: "annotations", Err: fmt.Errorf("empty payload")}
	}
	if trimmed[0] != '[' {
		var single Record
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, MalformedDocumentError{Key: "annotations", Err: err}
		}
		return []Record{single}, nil
	}
	var records []Record
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, MalformedDocumentError{Key: "annotations", Err: err}
	}
	return records, nil
}

func decodeBody(t Type, body Record, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(body)); err != nil {
		return MalformedDocumentError{Key: string(t), Err: err}
	}
	return nil
}

func recordTime(r Record, key string) (time.Time, error) {
	raw, ok := r[key]
	if !ok || raw == nil {
		return time.Time{}, MalformedDocumentError{Key: key}
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return time.Time{}, MalformedDocumentError{Key: key, Err: fmt.Errorf("expected timestamp string, got %v", raw)}
	}
	t, err := parseTime(s)
	if err != nil {
		return time.Time{}, MalformedDocumentError{Key: key, Err: err}
	}
	return t, nil
}

// naiveLayout matches zone-less ISO 8601 timestamps; they are read as UTC.
const naiveLayout = "2006-01-02T15:04:05.999999999"

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(naiveLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t, nil
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case Record:
		return Record(cloneMap(tv))
	case []any:
		out := make([]any, len(tv))
		for i := range tv {
			out[i] = cloneValue(tv[i])
		}
		return out
	default:
		return v
	}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	return Record(cloneMap(r))
}
