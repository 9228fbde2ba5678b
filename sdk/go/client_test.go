package datametasdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"datameta/internal/config"
	"datameta/internal/datatier"
	"datameta/internal/db"
	"datameta/internal/engine"
	"datameta/internal/metadata"
	"datameta/internal/migrate"
	"datameta/internal/server"
	datametasdk "datameta/sdk/go"
)

func newServer(t *testing.T) (*httptest.Server, engine.Engine) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	e := engine.New(conn, config.Default(), zaptest.NewLogger(t))
	handler, err := server.New(server.Config{Engine: e})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, e
}

func TestClientCarriesTravellingMetadata(t *testing.T) {
	ctx := context.Background()
	srv, e := newServer(t)
	_, err := e.CreateDataset(ctx, engine.DatasetCreateOptions{ID: "ds-1", Name: "orders", CreatedBy: "alice"})
	require.NoError(t, err)
	_, _, err = e.CreateVersion(ctx, "ds-1", 1, datatier.Params{Annotations: []metadata.Record{{
		"type":        "FieldsDescriptorAnnotation",
		"created":     "2024-01-01T00:00:00Z",
		"origin":      "upload",
		"description": "columns",
		"properties": map[string]any{
			"amount": map[string]any{"type": "number", "required": true},
		},
	}}}, "alice")
	require.NoError(t, err)

	client := datametasdk.New(srv.URL, "carrier")
	doc, err := client.Dataset(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "orders", doc.DatasetName)

	schema, err := client.VersionSchema(ctx, "ds-1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"amount"}, schema.Required)

	tr, err := client.ExportTravelling(ctx, "ds-1", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, tr.Document.Synchronised)

	desc := "in transit"
	patched, err := client.PatchTravelling(ctx, tr.Document, datametasdk.Patch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "in transit", patched.Document.Description)

	res, err := client.ImportTravelling(ctx, patched.Document, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version.DatasetVersion)
	assert.False(t, res.LabelsChanged)

	_, err = client.Dataset(ctx, "missing")
	var apiErr *datametasdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
