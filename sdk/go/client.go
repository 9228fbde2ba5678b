// Package datametasdk is a small HTTP client for the data tier metadata API.
// Consuming systems use it to carry travelling metadata between tiers.
package datametasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal data tier API client.
type Client struct {
	BaseURL    string
	BasePath   string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		ActorID:  actorID,
		Timeout:  10 * time.Second,
	}
}

// Document is a dataset, version or travelling metadata document.
type Document struct {
	DatasetName     string           `json:"dataset_name"`
	DatasetID       string           `json:"dataset_id"`
	Description     string           `json:"description"`
	Created         string           `json:"created"`
	LastUpdated     string           `json:"last_updated"`
	CreatedBy       string           `json:"created_by"`
	MetadataVersion string           `json:"metadata_version"`
	DatasetVersion  int              `json:"dataset_version,omitempty"`
	Synchronised    string           `json:"synchronised_datetime,omitempty"`
	Annotations     []map[string]any `json:"annotations"`
}

// Schema is the derived JSON schema of a version.
type Schema struct {
	Schema      string `json:"$schema"`
	ID          string `json:"$id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Properties  map[string]struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"properties"`
	Required []string `json:"required"`
}

type Label struct {
	Label  string `json:"label"`
	Value  string `json:"value"`
	Active *bool  `json:"active,omitempty"`
}

// Patch holds the optional update parameters.
type Patch struct {
	Description *string          `json:"description,omitempty"`
	Labels      []Label          `json:"labels,omitempty"`
	Annotations []map[string]any `json:"annotations,omitempty"`
}

// Travelling is an exported or patched snapshot with its schema.
type Travelling struct {
	Document Document `json:"document"`
	Schema   Schema   `json:"schema"`
}

type ImportResult struct {
	Dataset       Document `json:"dataset"`
	Version       Document `json:"version"`
	Schema        Schema   `json:"schema"`
	LabelsChanged bool     `json:"labels_changed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Dataset fetches dataset-level metadata.
func (c *Client) Dataset(ctx context.Context, datasetID string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodGet, c.datasetPath(datasetID, ""), nil, &resp)
	return resp, err
}

// VersionSchema fetches the derived schema of a version.
func (c *Client) VersionSchema(ctx context.Context, datasetID string, version int) (Schema, error) {
	var resp Schema
	err := c.do(ctx, http.MethodGet, c.datasetPath(datasetID, fmt.Sprintf("versions/%d/schema", version)), nil, &resp)
	return resp, err
}

// ExportTravelling fetches the travelling snapshot of a version.
func (c *Client) ExportTravelling(ctx context.Context, datasetID string, version int) (Travelling, error) {
	var resp Travelling
	err := c.do(ctx, http.MethodGet, c.datasetPath(datasetID, fmt.Sprintf("versions/%d/travelling", version)), nil, &resp)
	return resp, err
}

// PatchTravelling edits a snapshot in transit. The server stores nothing.
func (c *Client) PatchTravelling(ctx context.Context, travelling Document, p Patch) (Travelling, error) {
	body := map[string]any{"travelling": travelling}
	if p.Description != nil {
		body["description"] = *p.Description
	}
	if len(p.Labels) > 0 {
		body["labels"] = p.Labels
	}
	if len(p.Annotations) > 0 {
		body["annotations"] = p.Annotations
	}
	var resp Travelling
	err := c.do(ctx, http.MethodPost, c.path("travelling/patch"), body, &resp)
	return resp, err
}

// ImportTravelling stores a snapshot as a new version. A zero version lets
// the server pick the next one.
func (c *Client) ImportTravelling(ctx context.Context, travelling Document, version int) (ImportResult, error) {
	body := map[string]any{"travelling": travelling}
	if version > 0 {
		body["version"] = version
	}
	var resp ImportResult
	err := c.do(ctx, http.MethodPost, c.path("travelling/import"), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) datasetPath(datasetID, p string) string {
	full := "datasets/" + url.PathEscape(datasetID)
	if p != "" {
		full += "/" + strings.TrimLeft(p, "/")
	}
	return c.path(full)
}

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return p
	}
	return base + "/" + p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
