// Package domain holds the row-level views the store hands out alongside the
// metadata documents themselves.
package domain

// DatasetSummary is one row of the dataset listing.
type DatasetSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Versions  int    `json:"versions"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type VersionSummary struct {
	DatasetID string `json:"dataset_id"`
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Event types written by the engine.
const (
	EventDatasetCreate    = "dataset.create"
	EventDatasetUpdate    = "dataset.update"
	EventVersionCreate    = "version.create"
	EventVersionUpdate    = "version.update"
	EventTravellingExport = "travelling.export"
	EventTravellingImport = "travelling.import"
)

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	DatasetID string `json:"dataset_id,omitempty"`
	Version   int    `json:"version,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}
