package metadata

import (
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Property describes one field of a dataset's content. A nil Active leaves
// the compiled flag untouched; a property first declared without one is
// active.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Active      *bool  `json:"active,omitempty"`
}

// IsActive reports the active flag, treating an absent one as true.
func (p Property) IsActive() bool {
	return p.Active == nil || *p.Active
}

func (p Property) record() map[string]any {
	r := map[string]any{
		"type":        p.Type,
		"description": p.Description,
		"required":    p.Required,
	}
	if p.Active != nil {
		r["active"] = *p.Active
	}
	return r
}

type propertyBody struct {
	Type        string `mapstructure:"type"`
	Description string `mapstructure:"description"`
	Required    bool   `mapstructure:"required"`
	Active      *bool  `mapstructure:"active"`
}

func (p propertyBody) property() Property {
	return Property{
		Type:        p.Type,
		Description: p.Description,
		Required:    p.Required,
		Active:      p.Active,
	}
}

// FieldDescriptor declares or amends a fragment of the dataset content schema.
type FieldDescriptor struct {
	base
	Origin      string
	Description string

	properties map[string]Property
}

func NewFieldDescriptor(at time.Time, origin, description string, properties map[string]Property) (*FieldDescriptor, error) {
	props, err := copyProperties(properties)
	if err != nil {
		return nil, err
	}
	return &FieldDescriptor{
		base:        newBase(at),
		Origin:      origin,
		Description: description,
		properties:  props,
	}, nil
}

func copyProperties(in map[string]Property) (map[string]Property, error) {
	out := make(map[string]Property, len(in))
	for name, p := range in {
		if name == "" {
			return nil, ValidationError{Field: "properties", Reason: "contains an empty property name"}
		}
		if p.Active != nil {
			active := *p.Active
			p.Active = &active
		}
		out[name] = p
	}
	return out, nil
}

func (FieldDescriptor) Type() Type { return FieldDescriptorType }

// Properties returns a copy of the declared properties. With activeOnly set,
// entries whose active flag is false are left out.
func (f FieldDescriptor) Properties(activeOnly bool) map[string]Property {
	out := make(map[string]Property, len(f.properties))
	for name, p := range f.properties {
		if activeOnly && !p.IsActive() {
			continue
		}
		out[name] = p
	}
	return out
}

// Property looks up a single declared property.
func (f FieldDescriptor) Property(name string) (Property, bool) {
	p, ok := f.properties[name]
	return p, ok
}

// PropertyNames returns the declared names in sorted order.
func (f FieldDescriptor) PropertyNames() []string {
	names := make([]string, 0, len(f.properties))
	for name := range f.properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f FieldDescriptor) descriptor() FieldDescriptor { return f }

func (f FieldDescriptor) fields(r Record) Record {
	props := make(map[string]any, len(f.properties))
	for name, p := range f.properties {
		props[name] = p.record()
	}
	r["origin"] = f.Origin
	r["description"] = f.Description
	r["properties"] = props
	return r
}

func (f FieldDescriptor) Record() Record {
	return f.fields(f.record(FieldDescriptorType))
}

type fieldDescriptorBody struct {
	Origin      string                  `mapstructure:"origin"`
	Description string                  `mapstructure:"description"`
	Properties  map[string]propertyBody `mapstructure:"properties"`
}

func toProperties(in map[string]propertyBody) map[string]Property {
	out := make(map[string]Property, len(in))
	for name, p := range in {
		out[name] = p.property()
	}
	return out
}

func parseFieldDescriptor(b base, body Record) (Annotation, error) {
	var in fieldDescriptorBody
	if err := decodeBody(FieldDescriptorType, body, &in); err != nil {
		return nil, err
	}
	f, err := NewFieldDescriptor(b.Created, in.Origin, in.Description, toProperties(in.Properties))
	if err != nil {
		return nil, err
	}
	f.base = b
	return f, nil
}

// Service identifies an automated service run. All string fields are
// required.
type Service struct {
	Name        string
	Version     string
	User        string
	Description string
	Ref         string
	Parameters  map[string]any
}

func (s Service) validate() error {
	for _, f := range []struct{ field, value string }{
		{"service", s.Name},
		{"service_version", s.Version},
		{"service_user", s.User},
		{"service_description", s.Description},
		{"service_ref", s.Ref},
	} {
		if err := required(f.field, f.value); err != nil {
			return err
		}
	}
	return nil
}

// ServiceExecution records that a service ran. It may contribute schema
// properties exactly like a FieldDescriptor.
type ServiceExecution struct {
	FieldDescriptor
	Service Service
}

func NewServiceExecution(at time.Time, svc Service, origin, description string, properties map[string]Property) (*ServiceExecution, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	fd, err := NewFieldDescriptor(at, origin, description, properties)
	if err != nil {
		return nil, err
	}
	svc.Parameters = cloneMap(svc.Parameters)
	if svc.Parameters == nil {
		svc.Parameters = map[string]any{}
	}
	return &ServiceExecution{FieldDescriptor: *fd, Service: svc}, nil
}

func (ServiceExecution) Type() Type { return ServiceExecutionType }

func (s ServiceExecution) Record() Record {
	r := s.fields(s.record(ServiceExecutionType))
	r["service"] = s.Service.Name
	r["service_version"] = s.Service.Version
	r["service_user"] = s.Service.User
	r["service_description"] = s.Service.Description
	r["service_ref"] = s.Service.Ref
	r["service_parameters"] = cloneMap(s.Service.Parameters)
	return r
}

// ParametersYAML renders the service parameters as a YAML document.
func (s ServiceExecution) ParametersYAML() (string, error) {
	out, err := yaml.Marshal(s.Service.Parameters)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

type serviceExecutionBody struct {
	Origin             string                  `mapstructure:"origin"`
	Description        string                  `mapstructure:"description"`
	Properties         map[string]propertyBody `mapstructure:"properties"`
	Service            string                  `mapstructure:"service"`
	ServiceVersion     string                  `mapstructure:"service_version"`
	ServiceUser        string                  `mapstructure:"service_user"`
	ServiceDescription string                  `mapstructure:"service_description"`
	ServiceRef         string                  `mapstructure:"service_ref"`
	ServiceParameters  map[string]any          `mapstructure:"service_parameters"`
}

func parseServiceExecution(b base, body Record) (Annotation, error) {
	var in serviceExecutionBody
	if err := decodeBody(ServiceExecutionType, body, &in); err != nil {
		return nil, err
	}
	svc := Service{
		Name:        in.Service,
		Version:     in.ServiceVersion,
		User:        in.ServiceUser,
		Description: in.ServiceDescription,
		Ref:         in.ServiceRef,
		Parameters:  in.ServiceParameters,
	}
	s, err := NewServiceExecution(b.Created, svc, in.Origin, in.Description, toProperties(in.Properties))
	if err != nil {
		return nil, err
	}
	s.base = b
	return s, nil
}
