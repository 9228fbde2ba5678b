package metadata_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datameta/internal/metadata"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func tickingClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newOrders(t *testing.T) *metadata.Metadata {
	t.Helper()
	m, err := metadata.New("orders", "ds-1", "desc", "alice", metadata.WithClock(tickingClock(epoch)))
	require.NoError(t, err)
	return m
}

func boolPtr(b bool) *bool { return &b }

func descriptorRecord(at time.Time, props map[string]any) metadata.Record {
	return metadata.Record{
		"type":               "FieldsDescriptorAnnotation",
		"created":            at.Format(time.RFC3339Nano),
		"annotation_version": "0.0.1",
		"origin":             "test",
		"description":        "",
		"properties":         props,
	}
}

func TestNewRequiresIdentity(t *testing.T) {
	cases := []struct {
		name, id, by, field string
	}{
		{"", "ds-1", "alice", "dataset_name"},
		{"orders", "", "alice", "dataset_id"},
		{"orders", "ds-1", "", "created_by"},
	}
	for _, tc := range cases {
		_, err := metadata.New(tc.name, tc.id, "desc", tc.by)
		var verr metadata.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, tc.field, verr.Field)
	}
}

func TestEmptyDatasetSchema(t *testing.T) {
	m := newOrders(t)
	s := m.JSONSchema()
	assert.Equal(t, metadata.DefaultSchemaDialect, s.Schema)
	assert.Equal(t, metadata.DefaultSchemaID, s.ID)
	assert.Equal(t, "orders", s.Title)
	assert.Equal(t, "desc", s.Description)
	assert.Equal(t, "object", s.Type)
	assert.Empty(t, s.Properties)
	assert.Equal(t, []string{}, s.Required)

	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"properties":{}`)
	assert.Contains(t, string(out), `"required":[]`)
}

func TestSettersAuditPreviousValue(t *testing.T) {
	m := newOrders(t)
	before := m.LastUpdated()

	require.NoError(t, m.SetDescription("new desc"))
	require.NoError(t, m.SetName("orders-v2"))
	require.NoError(t, m.SetCreatedBy("bob"))

	assert.Equal(t, "new desc", m.Description())
	assert.Equal(t, "orders-v2", m.Name())
	assert.Equal(t, "bob", m.CreatedBy())
	require.Equal(t, 3, m.Len())

	a, ok := m.Annotation(0)
	require.True(t, ok)
	pc, ok := a.(*metadata.PropertyChange)
	require.True(t, ok)
	assert.Equal(t, "description", pc.Property)
	assert.Equal(t, "desc", pc.PreviousValue)
	assert.True(t, m.LastUpdated().After(before))

	var verr metadata.ValidationError
	require.ErrorAs(t, m.SetName(""), &verr)
	require.ErrorAs(t, m.SetCreatedBy(""), &verr)
	assert.Equal(t, 3, m.Len(), "failed setters must not append")
	assert.Equal(t, "orders-v2", m.Name())
}

func TestLastUpdatedNeverDecreases(t *testing.T) {
	now := epoch.Add(time.Hour)
	m, err := metadata.New("orders", "ds-1", "", "alice", metadata.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	now = epoch
	require.NoError(t, m.AddLabels(metadata.LabelSpec{Label: "region", Value: "EU"}))
	assert.Equal(t, epoch.Add(time.Hour), m.LastUpdated())
}

func TestLabelsMostRecentWins(t *testing.T) {
	m := newOrders(t)
	off := false
	require.NoError(t, m.AddLabels(
		metadata.LabelSpec{Label: "region", Value: "US"},
		metadata.LabelSpec{Label: "pii", Value: "yes"},
		metadata.LabelSpec{Label: "region", Value: "EU"},
		metadata.LabelSpec{Label: "pii", Value: "yes", Active: &off},
	))

	all := m.Labels(metadata.AllLabels)
	require.Len(t, all, 2)
	assert.Equal(t, "pii", all[0].Label)
	assert.False(t, all[0].Active)
	assert.Equal(t, "region", all[1].Label)
	assert.Equal(t, "EU", all[1].Value)

	active := m.Labels(metadata.ActiveLabels)
	require.Len(t, active, 1)
	assert.Equal(t, "region", active[0].Label)

	inactive := m.Labels(metadata.InactiveLabels)
	require.Len(t, inactive, 1)
	assert.Equal(t, "pii", inactive[0].Label)
}

func TestEmptyLabelRejected(t *testing.T) {
	_, err := metadata.NewLabel(epoch, "", "v", true)
	var verr metadata.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "label", verr.Field)
}

func TestRequiredOnlyOverwrittenWhenTruthy(t *testing.T) {
	m := newOrders(t)
	require.NoError(t, m.AddAnnotations(
		descriptorRecord(epoch, map[string]any{
			"amount": map[string]any{"type": "number", "required": true, "active": true},
		}),
		descriptorRecord(epoch.Add(time.Minute), map[string]any{
			"amount": map[string]any{"type": "integer", "description": "total", "required": false, "active": true},
		}),
	))

	s := m.JSONSchema()
	assert.Equal(t, []string{"amount"}, s.Required)
	assert.Equal(t, metadata.SchemaProperty{Type: "integer", Description: "total"}, s.Properties["amount"])
}

func TestLaterDescriptorDeactivatesProperty(t *testing.T) {
	m := newOrders(t)
	require.NoError(t, m.AddAnnotations(
		descriptorRecord(epoch, map[string]any{
			"amount": map[string]any{"type": "number", "required": true, "active": true},
			"note":   map[string]any{"type": "string", "active": true},
		}),
	))
	assert.Len(t, m.JSONSchema().Properties, 2)

	require.NoError(t, m.AddAnnotations(descriptorRecord(epoch, map[string]any{
		"amount": map[string]any{"active": false},
	})))
	s := m.JSONSchema()
	assert.Equal(t, map[string]metadata.SchemaProperty{"note": {Type: "string"}}, s.Properties)
	assert.Equal(t, []string{}, s.Required)

	compiled := m.State().Properties["amount"]
	assert.Equal(t, "number", compiled.Type, "type is kept when not supplied")
	assert.True(t, compiled.Required)
	assert.False(t, compiled.IsActive())
}

func TestAmendmentWithoutActiveKeepsPropertyInactive(t *testing.T) {
	m := newOrders(t)
	require.NoError(t, m.AddAnnotations(
		descriptorRecord(epoch, map[string]any{
			"amount": map[string]any{"type": "number", "active": false},
			"note":   map[string]any{"type": "string"},
		}),
		descriptorRecord(epoch.Add(time.Minute), map[string]any{
			"amount": map[string]any{"description": "total"},
		}),
	))

	s := m.JSONSchema()
	assert.Equal(t, map[string]metadata.SchemaProperty{"note": {Type: "string"}}, s.Properties)
	compiled := m.State().Properties["amount"]
	assert.Equal(t, "total", compiled.Description)
	require.NotNil(t, compiled.Active)
	assert.False(t, *compiled.Active)

	doc := m.Document()
	amendment := doc.Annotations[len(doc.Annotations)-1]["properties"].(map[string]any)["amount"].(map[string]any)
	assert.NotContains(t, amendment, "active", "an absent flag stays absent in the log")
	reloaded, err := metadata.FromDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, s.Properties, reloaded.JSONSchema().Properties)
}

func TestServiceExecutionContributesProperties(t *testing.T) {
	m := newOrders(t)
	svc := metadata.Service{
		Name:        "profiler",
		Version:     "1.2",
		User:        "bot",
		Description: "column profiling",
		Ref:         "https://example.com/profiler",
		Parameters:  map[string]any{"sample": 100},
	}
	se, err := metadata.NewServiceExecution(epoch, svc, "profiler", "", map[string]metadata.Property{
		"id": {Type: "string", Required: true, Active: boolPtr(true)},
	})
	require.NoError(t, err)
	m.Append(se)

	s := m.JSONSchema()
	assert.Equal(t, []string{"id"}, s.Required)

	y, err := se.ParametersYAML()
	require.NoError(t, err)
	assert.Equal(t, "sample: 100\n", y)

	svc.Ref = ""
	_, err = metadata.NewServiceExecution(epoch, svc, "", "", nil)
	var verr metadata.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "service_ref", verr.Field)
}

func TestFieldDescriptorProperties(t *testing.T) {
	fd, err := metadata.NewFieldDescriptor(epoch, "", "", map[string]metadata.Property{
		"a": {Type: "string"},
		"b": {Type: "string", Active: boolPtr(false)},
	})
	require.NoError(t, err)
	assert.Len(t, fd.Properties(true), 1)
	assert.Len(t, fd.Properties(false), 2)

	_, err = metadata.NewFieldDescriptor(epoch, "", "", map[string]metadata.Property{"": {}})
	var verr metadata.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDocumentRoundTrip(t *testing.T) {
	m := newOrders(t)
	require.NoError(t, m.AddLabels(metadata.LabelSpec{Label: "region", Value: "EU"}))
	require.NoError(t, m.SetDescription("changed"))
	require.NoError(t, m.AddAnnotations(descriptorRecord(epoch.Add(-time.Hour), map[string]any{
		"amount": map[string]any{"type": "number", "required": true, "active": true},
	})))
	se, err := metadata.NewServiceExecution(epoch, metadata.Service{
		Name: "svc", Version: "1", User: "u", Description: "d", Ref: "r",
		Parameters: map[string]any{"nested": map[string]any{"k": "v"}},
	}, "", "", nil)
	require.NoError(t, err)
	m.Append(se)

	first := m.Document()
	rebuilt, err := metadata.FromDocument(first)
	require.NoError(t, err)
	assert.Equal(t, first, rebuilt.Document())

	raw, err := json.Marshal(first)
	require.NoError(t, err)
	parsed, err := metadata.ParseDocument(raw)
	require.NoError(t, err)
	fromJSON, err := metadata.FromDocument(parsed)
	require.NoError(t, err)
	again, err := json.Marshal(fromJSON.Document())
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(again))

	a, ok := fromJSON.Annotation(2)
	require.True(t, ok)
	assert.Equal(t, epoch.Add(-time.Hour), a.CreatedAt(), "creation timestamps come from the record")
}

func TestUnknownAnnotationTypeIsAtomic(t *testing.T) {
	m := newOrders(t)
	require.NoError(t, m.AddLabels(metadata.LabelSpec{Label: "region", Value: "EU"}))
	doc := m.Document()
	doc.Annotations = append(doc.Annotations, metadata.Record{
		"type":               "Bogus",
		"created":            epoch.Format(time.RFC3339),
		"annotation_version": "0.0.1",
	})

	rebuilt, err := metadata.FromDocument(doc)
	var unknown metadata.UnknownAnnotationTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "Bogus", unknown.Type)
	assert.Nil(t, rebuilt)
}

func TestAddAnnotationsPartialApply(t *testing.T) {
	m := newOrders(t)
	err := m.AddAnnotations(
		metadata.Record{"type": "LabelAnnotation", "created": epoch.Format(time.RFC3339), "label": "a", "value": "1", "active": true},
		metadata.Record{"type": "LabelAnnotation", "created": epoch.Format(time.RFC3339), "label": "", "value": "2", "active": true},
		metadata.Record{"type": "LabelAnnotation", "created": epoch.Format(time.RFC3339), "label": "c", "value": "3", "active": true},
	)
	var verr metadata.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 1, m.Len())
}

func TestParseRecordRequiresCreated(t *testing.T) {
	_, err := metadata.ParseRecord(metadata.Record{"type": "LabelAnnotation", "label": "a"})
	var malformed metadata.MalformedDocumentError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "created", malformed.Key)

	_, err = metadata.ParseRecord(metadata.Record{"label": "a"})
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "type", malformed.Key)
}

func TestParseRecordRejectsUnexpectedField(t *testing.T) {
	_, err := metadata.ParseRecord(metadata.Record{
		"type": "LabelAnnotation", "created": epoch.Format(time.RFC3339), "label": "a", "colour": "red",
	})
	var malformed metadata.MalformedDocumentError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "LabelAnnotation", malformed.Key)
}

func TestParseRecordRejectsNonStringAnnotationVersion(t *testing.T) {
	_, err := metadata.ParseRecord(metadata.Record{
		"type": "LabelAnnotation", "created": epoch.Format(time.RFC3339), "label": "a", "annotation_version": 2,
	})
	var malformed metadata.MalformedDocumentError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "annotation_version", malformed.Key)

	a, err := metadata.ParseRecord(metadata.Record{
		"type": "LabelAnnotation", "created": epoch.Format(time.RFC3339), "label": "a", "annotation_version": "0.0.2",
	})
	require.NoError(t, err)
	assert.Equal(t, "0.0.2", a.Record()["annotation_version"])
}

func TestParseRecordAcceptsNaiveTimestamps(t *testing.T) {
	a, err := metadata.ParseRecord(metadata.Record{
		"type": "LabelAnnotation", "created": "2021-06-01T10:20:30.123456", "label": "a",
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 6, 1, 10, 20, 30, 123456000, time.UTC), a.CreatedAt())
	assert.True(t, a.(*metadata.Label).Active, "active defaults to true")
}

func TestDecodeRecords(t *testing.T) {
	single, err := metadata.DecodeRecords([]byte(` {"type":"LabelAnnotation","label":"a"}`))
	require.NoError(t, err)
	assert.Len(t, single, 1)

	many, err := metadata.DecodeRecords([]byte(`[{"type":"LabelAnnotation"},{"type":"LabelAnnotation"}]`))
	require.NoError(t, err)
	assert.Len(t, many, 2)

	_, err = metadata.DecodeRecords([]byte(`[`))
	var malformed metadata.MalformedDocumentError
	require.ErrorAs(t, err, &malformed)
}

func TestParseDocumentMissingKey(t *testing.T) {
	_, err := metadata.ParseDocument([]byte(`{"dataset_name":"orders"}`))
	var malformed metadata.MalformedDocumentError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "dataset_id", malformed.Key)
}

func TestAnnotationRecordsFilter(t *testing.T) {
	m := newOrders(t)
	require.NoError(t, m.SetDescription("x"))
	require.NoError(t, m.AddLabels(metadata.LabelSpec{Label: "a"}))
	assert.Len(t, m.AnnotationRecords(""), 2)
	labels := m.AnnotationRecords(metadata.LabelType)
	require.Len(t, labels, 1)
	assert.Equal(t, "LabelAnnotation", labels[0]["type"])
}

func TestUnappliedLabels(t *testing.T) {
	m := newOrders(t)
	require.NoError(t, m.AddLabels(metadata.LabelSpec{Label: "old", Value: "1"}))
	cut := m.LastUpdated()
	require.NoError(t, m.AddLabels(metadata.LabelSpec{Label: "new", Value: "2"}))

	got := m.UnappliedLabels(cut)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Label)
}

func TestSchemaIDsOverride(t *testing.T) {
	m, err := metadata.New("orders", "ds-1", "", "alice", metadata.WithSchemaIDs("", "urn:orders"))
	require.NoError(t, err)
	s := m.JSONSchema()
	assert.Equal(t, metadata.DefaultSchemaDialect, s.Schema)
	assert.Equal(t, "urn:orders", s.ID)
}
