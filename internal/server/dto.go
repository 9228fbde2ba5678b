package server

import (
	"encoding/json"
	"time"

	"datameta/internal/datatier"
	"datameta/internal/domain"
	"datameta/internal/metadata"
)

// Request payloads

type CreateDatasetRequest struct {
	ID          string               `json:"id,omitempty" doc:"Generated when omitted"`
	Name        string               `json:"name" minLength:"1"`
	Description string               `json:"description,omitempty"`
	CreatedBy   string               `json:"created_by,omitempty" doc:"Defaults to the acting user"`
	Labels      []metadata.LabelSpec `json:"labels,omitempty"`
}

// ParamsRequest carries the optional update parameters. Each operation reads
// the ones it allows and ignores the rest.
type ParamsRequest struct {
	Description    *string              `json:"description,omitempty"`
	Labels         []metadata.LabelSpec `json:"labels,omitempty"`
	Annotations    []map[string]any     `json:"annotations,omitempty"`
	DatasetVersion *int                 `json:"dataset_version,omitempty"`
}

func (p ParamsRequest) params() datatier.Params {
	out := datatier.Params{
		Description:    p.Description,
		Labels:         p.Labels,
		DatasetVersion: p.DatasetVersion,
	}
	for _, a := range p.Annotations {
		out.Annotations = append(out.Annotations, metadata.Record(a))
	}
	return out
}

type CreateVersionRequest struct {
	Version int `json:"version,omitempty" minimum:"0" doc:"Next free version when omitted"`
	ParamsRequest
}

type ImportTravellingRequest struct {
	Travelling metadata.Document `json:"travelling"`
	Version    int               `json:"version,omitempty" minimum:"0" doc:"Next free version when omitted"`
}

type PatchTravellingRequest struct {
	Travelling metadata.Document `json:"travelling"`
	ParamsRequest
}

// Responses

type VersionResponse struct {
	Document metadata.Document `json:"document"`
	Schema   metadata.Schema   `json:"schema"`
}

type ImportResponse struct {
	Dataset       metadata.Document `json:"dataset"`
	Version       metadata.Document `json:"version"`
	Schema        metadata.Schema   `json:"schema"`
	LabelsChanged bool              `json:"labels_changed"`
}

type LabelResponse struct {
	Label   string `json:"label"`
	Value   string `json:"value"`
	Active  bool   `json:"active"`
	Created string `json:"created" format:"date-time"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	DatasetID string         `json:"dataset_id,omitempty"`
	Version   int            `json:"version,omitempty"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schema_version"`
}

// Conversion helpers

func importResponse(r datatier.ImportResult) ImportResponse {
	return ImportResponse(r)
}

func labelResponses(labels []*metadata.Label) []LabelResponse {
	out := make([]LabelResponse, 0, len(labels))
	for _, l := range labels {
		out = append(out, LabelResponse{
			Label:   l.Label,
			Value:   l.Value,
			Active:  l.Active,
			Created: l.CreatedAt().UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		DatasetID: e.DatasetID,
		Version:   e.Version,
		ActorID:   e.ActorID,
		Payload:   decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
