package metadata

import "sort"

const (
	// DefaultSchemaDialect is written to "$schema" unless overridden.
	DefaultSchemaDialect = "http://json-schema.org/draft/2019-09/schema#"
	// DefaultSchemaID is written to "$id" unless overridden.
	DefaultSchemaID = "https://example.com/product.schema.json"
)

// Schema is the JSON-Schema-shaped document compiled from a log.
type Schema struct {
	Schema      string                    `json:"$schema"`
	ID          string                    `json:"$id"`
	Title       string                    `json:"title"`
	Description string                    `json:"description"`
	Type        string                    `json:"type"`
	Properties  map[string]SchemaProperty `json:"properties"`
	Required    []string                  `json:"required"`
}

type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// LabelFilter selects labels by their most recent active flag.
type LabelFilter int

const (
	AllLabels LabelFilter = iota
	ActiveLabels
	InactiveLabels
)

func (f LabelFilter) keep(l *Label) bool {
	switch f {
	case ActiveLabels:
		return l.Active
	case InactiveLabels:
		return !l.Active
	default:
		return true
	}
}

// State is the current view derived from a log.
type State struct {
	// Labels holds the most recent Label per key, most recently appended first.
	Labels []*Label
	// Properties holds every compiled property, active or not. Active is
	// always set on compiled entries.
	Properties map[string]Property
}

type describer interface {
	descriptor() FieldDescriptor
}

// Derive folds a log into its current state. It is recomputed on every call.
func Derive(log []Annotation) State {
	return State{
		Labels:     latestLabels(log),
		Properties: compileProperties(log),
	}
}

func latestLabels(log []Annotation) []*Label {
	seen := make(map[string]struct{})
	var labels []*Label
	for i := len(log) - 1; i >= 0; i-- {
		l, ok := log[i].(*Label)
		if !ok {
			continue
		}
		if _, dup := seen[l.Label]; dup {
			continue
		}
		seen[l.Label] = struct{}{}
		labels = append(labels, l)
	}
	return labels
}

func compileProperties(log []Annotation) map[string]Property {
	compiled := make(map[string]Property)
	for _, a := range log {
		d, ok := a.(describer)
		if !ok {
			continue
		}
		fd := d.descriptor()
		for _, name := range fd.PropertyNames() {
			p, _ := fd.Property(name)
			cur, seen := compiled[name]
			if !seen {
				on := true
				cur.Active = &on
			}
			compiled[name] = overwrite(cur, p)
		}
	}
	return compiled
}

// overwrite applies a later declaration of a property over the compiled one.
// Type, description and active are replaced only when supplied, and required
// only when the later declaration sets it.
func overwrite(cur, next Property) Property {
	if next.Active != nil {
		active := *next.Active
		cur.Active = &active
	}
	if next.Type != "" {
		cur.Type = next.Type
	}
	if next.Description != "" {
		cur.Description = next.Description
	}
	if next.Required {
		cur.Required = true
	}
	return cur
}

// FilterLabels applies f to a most-recent label list.
func FilterLabels(labels []*Label, f LabelFilter) []*Label {
	out := make([]*Label, 0, len(labels))
	for _, l := range labels {
		if f.keep(l) {
			out = append(out, l)
		}
	}
	return out
}

func buildSchema(dialect, id, title, description string, props map[string]Property) Schema {
	s := Schema{
		Schema:      dialect,
		ID:          id,
		Title:       title,
		Description: description,
		Type:        "object",
		Properties:  make(map[string]SchemaProperty),
		Required:    []string{},
	}
	for name, p := range props {
		if !p.IsActive() {
			continue
		}
		s.Properties[name] = SchemaProperty{Type: p.Type, Description: p.Description}
		if p.Required {
			s.Required = append(s.Required, name)
		}
	}
	sort.Strings(s.Required)
	return s
}
