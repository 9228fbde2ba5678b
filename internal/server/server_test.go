package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"datameta/internal/config"
	"datameta/internal/db"
	"datameta/internal/engine"
	"datameta/internal/metadata"
	"datameta/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	e := engine.New(conn, config.Default(), zaptest.NewLogger(t))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Log: zaptest.NewLogger(t)})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func amountDescriptor() map[string]any {
	return map[string]any{
		"type":               "FieldsDescriptorAnnotation",
		"created":            "2024-01-01T00:00:00Z",
		"annotation_version": "0.0.1",
		"origin":             "upload",
		"description":        "columns",
		"properties": map[string]any{
			"amount": map[string]any{"type": "number", "required": true, "active": true},
		},
	}
}

func seedOrders(t *testing.T, srv *testServer) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/datasets", map[string]any{
		"id":          "ds-1",
		"name":        "orders",
		"description": "desc",
		"labels":      []map[string]any{{"label": "region", "value": "EU"}},
	}, map[string]string{"X-Actor-Id": "alice"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/datasets/ds-1/versions", map[string]any{
		"annotations": []map[string]any{amountDescriptor()},
	}, map[string]string{"X-Actor-Id": "alice"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.SchemaVersion)
}

func TestDatasetVersionLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedOrders(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/ds-1", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var dataset metadata.Document
	require.NoError(t, json.Unmarshal(data, &dataset))
	assert.Equal(t, "alice", dataset.CreatedBy)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/ds-1/versions/1/schema", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var schema metadata.Schema
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, metadata.DefaultSchemaDialect, schema.Schema)
	assert.Equal(t, []string{"amount"}, schema.Required)
	assert.NotContains(t, schema.Properties, "region")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/ds-1/labels?active=true", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var labels []LabelResponse
	require.NoError(t, json.Unmarshal(data, &labels))
	require.Len(t, labels, 1)
	assert.Equal(t, "EU", labels[0].Value)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/datasets/ds-1/versions/1", map[string]any{
		"description": "first cut",
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var updated VersionResponse
	require.NoError(t, json.Unmarshal(data, &updated))
	assert.Equal(t, "first cut", updated.Document.Description)
	assert.Equal(t, "first cut", updated.Schema.Description)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Contains(t, string(data), `"versions":1`)
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedOrders(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets", map[string]any{"id": "ds-1", "name": "orders"}, map[string]string{"X-Actor-Id": "alice"})
	assert.Equal(t, http.StatusConflict, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets/ds-1/versions", map[string]any{
		"annotations": []map[string]any{{"type": "Bogus", "created": "2024-01-01T00:00:00Z"}},
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	var envelope apiError
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "unknown_annotation_type", envelope.Body.Code)
	assert.Equal(t, "Bogus", envelope.Body.Details["type"])

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets/ds-1/versions", map[string]any{
		"annotations": []map[string]any{{"type": "LabelAnnotation", "label": "x"}},
	}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "malformed_document", envelope.Body.Code)
}

func TestLabelValueIsOptional(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets", map[string]any{
		"id":     "ds-1",
		"name":   "orders",
		"labels": []map[string]any{{"label": "pii"}},
	}, map[string]string{"X-Actor-Id": "alice"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/datasets/ds-1", map[string]any{
		"labels": []map[string]any{{"label": "gdpr", "active": false}},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/ds-1/labels", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var labels []LabelResponse
	require.NoError(t, json.Unmarshal(data, &labels))
	require.Len(t, labels, 2)
	assert.Equal(t, "gdpr", labels[0].Label)
	assert.False(t, labels[0].Active)
	assert.Equal(t, "pii", labels[1].Label)
	assert.Equal(t, "", labels[1].Value)
	assert.True(t, labels[1].Active)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets/ds-1/versions", map[string]any{}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/ds-1/versions/1/travelling", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var exported VersionResponse
	require.NoError(t, json.Unmarshal(data, &exported))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/travelling/patch", map[string]any{
		"travelling": exported.Document,
		"labels":     []map[string]any{{"label": "archived"}},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestTravellingOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedOrders(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/ds-1/versions/1/travelling", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var exported VersionResponse
	require.NoError(t, json.Unmarshal(data, &exported))
	assert.NotEmpty(t, exported.Document.Synchronised)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/travelling/patch", map[string]any{
		"travelling": exported.Document,
		"labels":     []map[string]any{{"label": "region", "value": "US"}},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var patched VersionResponse
	require.NoError(t, json.Unmarshal(data, &patched))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/travelling/import", map[string]any{
		"travelling": patched.Document,
	}, map[string]string{"X-Actor-Id": "bob"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var imported ImportResponse
	require.NoError(t, json.Unmarshal(data, &imported))
	assert.True(t, imported.LabelsChanged)
	assert.Equal(t, 2, imported.Version.DatasetVersion)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?dataset_id=ds-1&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, "travelling.import", page.Items[0].Type)
	assert.Equal(t, "bob", page.Items[0].ActorID)
	assert.NotEmpty(t, page.NextCursor)
}

func TestOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v0/travelling/import")
	assert.Contains(t, string(data), "ApiError")
}
