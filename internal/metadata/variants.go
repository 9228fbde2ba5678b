package metadata

import "time"

// PropertyChange records the previous value of a scalar field on the owning
// aggregate. It is an audit entry, not state.
type PropertyChange struct {
	base
	Property      string
	PreviousValue string
}

func NewPropertyChange(at time.Time, property, previous string) (*PropertyChange, error) {
	if err := required("meta_property", property); err != nil {
		return nil, err
	}
	return &PropertyChange{base: newBase(at), Property: property, PreviousValue: previous}, nil
}

func (PropertyChange) Type() Type { return PropertyChangeType }

func (p PropertyChange) Record() Record {
	r := p.record(PropertyChangeType)
	r["meta_property"] = p.Property
	r["previous_value"] = p.PreviousValue
	return r
}

type propertyChangeBody struct {
	Property      string `mapstructure:"meta_property"`
	PreviousValue string `mapstructure:"previous_value"`
}

func parsePropertyChange(b base, body Record) (Annotation, error) {
	var in propertyChangeBody
	if err := decodeBody(PropertyChangeType, body, &in); err != nil {
		return nil, err
	}
	p, err := NewPropertyChange(b.Created, in.Property, in.PreviousValue)
	if err != nil {
		return nil, err
	}
	p.base = b
	return p, nil
}

// Label is a key/value/flag tuple. Later labels with the same key supersede
// earlier ones.
type Label struct {
	base
	Label  string
	Value  string
	Active bool
}

func NewLabel(at time.Time, label, value string, active bool) (*Label, error) {
	if err := required("label", label); err != nil {
		return nil, err
	}
	return &Label{base: newBase(at), Label: label, Value: value, Active: active}, nil
}

func (Label) Type() Type { return LabelType }

func (l Label) Record() Record {
	r := l.record(LabelType)
	r["label"] = l.Label
	r["value"] = l.Value
	r["active"] = l.Active
	return r
}

// Spec returns the label as an input spec, dropping its timestamp.
func (l Label) Spec() LabelSpec {
	active := l.Active
	return LabelSpec{Label: l.Label, Value: l.Value, Active: &active}
}

// LabelSpec is the caller-facing form of a label to be applied. Active
// defaults to true when nil.
type LabelSpec struct {
	Label  string `json:"label" mapstructure:"label"`
	Value  string `json:"value,omitempty" mapstructure:"value"`
	Active *bool  `json:"active,omitempty" mapstructure:"active"`
}

func (s LabelSpec) active() bool {
	return s.Active == nil || *s.Active
}

func parseLabel(b base, body Record) (Annotation, error) {
	var in LabelSpec
	if err := decodeBody(LabelType, body, &in); err != nil {
		return nil, err
	}
	l, err := NewLabel(b.Created, in.Label, in.Value, in.active())
	if err != nil {
		return nil, err
	}
	l.base = b
	return l, nil
}
