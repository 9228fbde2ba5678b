package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"datameta/internal/domain"
	"datameta/internal/engine"
	"datameta/internal/metadata"
	"datameta/internal/migrate"
	"datameta/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"malformed_document"`
	Message string         `json:"message" example:"metadata: malformed document at \"created\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// handlers carries what every operation needs.
type handlers struct {
	e   engine.Engine
	log *zap.Logger
}

// ActorInput is embedded in inputs of operations that write.
type ActorInput struct {
	ActorID string `header:"X-Actor-Id" doc:"Recorded on the event log"`
}

// New returns an HTTP handler exposing the data tier API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Request schema violations are malformed input.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	hcfg := huma.DefaultConfig("Data Tier Metadata API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	// Schema documents carry their own "$schema" key.
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, log: log}
	registerDocs(router, basePath)
	registerHealth(group, h)
	registerDatasets(group, h)
	registerVersions(group, h)
	registerTravelling(group, h)
	registerEvents(group, h)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve metadata.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": ve.Field})
	}
	var ue metadata.UnknownAnnotationTypeError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusBadRequest, "unknown_annotation_type", err.Error(), map[string]any{"type": ue.Type})
	}
	var me metadata.MalformedDocumentError
	if errors.As(err, &me) {
		return newAPIError(http.StatusBadRequest, "malformed_document", err.Error(), map[string]any{"key": me.Key})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

// fail maps err and logs it.
func (h handlers) fail(op string, err error) huma.StatusError {
	se := handleError(err)
	if se.GetStatus() >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("operation", op), zap.Error(err))
	} else {
		h.log.Warn("request rejected", zap.String("operation", op), zap.Int("status", se.GetStatus()), zap.Error(err))
	}
	return se
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	if oas.Components != nil && oas.Components.Schemas != nil {
		schemas := oas.Components.Schemas.Map()
		if _, ok := schemas["ApiError"]; !ok {
			schemas["ApiError"] = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), false, "ApiError")
		}
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Data Tier Metadata API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		v, err := migrate.Current(ctx, h.e.DB)
		if err != nil {
			return nil, h.fail("health", err)
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", SchemaVersion: v}}, nil
	})
}

type DatasetPath struct {
	DatasetID string `path:"dataset_id"`
}

type VersionPath struct {
	DatasetID string `path:"dataset_id"`
	Version   int    `path:"version" minimum:"1"`
}

func registerDatasets(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-dataset",
		Method:        http.MethodPost,
		Path:          "/datasets",
		Summary:       "Create dataset",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ActorInput
		Body CreateDatasetRequest `json:"body"`
	}) (*struct {
		Body metadata.Document `json:"body"`
	}, error) {
		doc, err := h.e.CreateDataset(ctx, engine.DatasetCreateOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			CreatedBy:   input.Body.CreatedBy,
			Labels:      input.Body.Labels,
			ActorID:     input.ActorID,
		})
		if err != nil {
			return nil, h.fail("create-dataset", err)
		}
		return &struct {
			Body metadata.Document `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-datasets",
		Method:      http.MethodGet,
		Path:        "/datasets",
		Summary:     "List datasets",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.DatasetSummary `json:"body"`
	}, error) {
		items, err := h.e.ListDatasets(ctx)
		if err != nil {
			return nil, h.fail("list-datasets", err)
		}
		return &struct {
			Body []domain.DatasetSummary `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dataset",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset_id}",
		Summary:     "Get dataset metadata",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *DatasetPath) (*struct {
		Body metadata.Document `json:"body"`
	}, error) {
		doc, err := h.e.Dataset(ctx, input.DatasetID)
		if err != nil {
			return nil, h.fail("get-dataset", err)
		}
		return &struct {
			Body metadata.Document `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-dataset",
		Method:      http.MethodPatch,
		Path:        "/datasets/{dataset_id}",
		Summary:     "Update dataset description and labels",
		Description: "Annotations and dataset_version are ignored at the dataset level. Label changes re-derive every version schema.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DatasetPath
		ActorInput
		Body ParamsRequest `json:"body"`
	}) (*struct {
		Body metadata.Document `json:"body"`
	}, error) {
		doc, err := h.e.UpdateDataset(ctx, input.DatasetID, input.Body.params(), input.ActorID)
		if err != nil {
			return nil, h.fail("update-dataset", err)
		}
		return &struct {
			Body metadata.Document `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-labels",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset_id}/labels",
		Summary:     "Most recent label per key, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DatasetPath
		Active string `query:"active" enum:"true,false" doc:"Filter on the most recent active flag"`
	}) (*struct {
		Body []LabelResponse `json:"body"`
	}, error) {
		filter := metadata.AllLabels
		switch input.Active {
		case "true":
			filter = metadata.ActiveLabels
		case "false":
			filter = metadata.InactiveLabels
		}
		labels, err := h.e.Labels(ctx, input.DatasetID, filter)
		if err != nil {
			return nil, h.fail("list-labels", err)
		}
		return &struct {
			Body []LabelResponse `json:"body"`
		}{Body: labelResponses(labels)}, nil
	})
}

func registerVersions(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-version",
		Method:        http.MethodPost,
		Path:          "/datasets/{dataset_id}/versions",
		Summary:       "Create dataset version",
		Description:   "Labels are ignored at the version level; they belong to the dataset.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DatasetPath
		ActorInput
		Body CreateVersionRequest `json:"body"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		doc, schema, err := h.e.CreateVersion(ctx, input.DatasetID, input.Body.Version, input.Body.params(), input.ActorID)
		if err != nil {
			return nil, h.fail("create-version", err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: VersionResponse{Document: doc, Schema: schema}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset_id}/versions",
		Summary:     "List dataset versions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *DatasetPath) (*struct {
		Body []domain.VersionSummary `json:"body"`
	}, error) {
		items, err := h.e.ListVersions(ctx, input.DatasetID)
		if err != nil {
			return nil, h.fail("list-versions", err)
		}
		return &struct {
			Body []domain.VersionSummary `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset_id}/versions/{version}",
		Summary:     "Get version metadata",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *VersionPath) (*struct {
		Body metadata.Document `json:"body"`
	}, error) {
		doc, err := h.e.Version(ctx, input.DatasetID, input.Version)
		if err != nil {
			return nil, h.fail("get-version", err)
		}
		return &struct {
			Body metadata.Document `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-version",
		Method:      http.MethodPatch,
		Path:        "/datasets/{dataset_id}/versions/{version}",
		Summary:     "Update version description and annotations",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VersionPath
		ActorInput
		Body ParamsRequest `json:"body"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		doc, schema, err := h.e.UpdateVersion(ctx, input.DatasetID, input.Version, input.Body.params(), input.ActorID)
		if err != nil {
			return nil, h.fail("update-version", err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: VersionResponse{Document: doc, Schema: schema}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-version-schema",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset_id}/versions/{version}/schema",
		Summary:     "Derive the JSON schema of a version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *VersionPath) (*struct {
		Body metadata.Schema `json:"body"`
	}, error) {
		schema, err := h.e.VersionSchema(ctx, input.DatasetID, input.Version)
		if err != nil {
			return nil, h.fail("get-version-schema", err)
		}
		return &struct {
			Body metadata.Schema `json:"body"`
		}{Body: schema}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-travelling",
		Method:      http.MethodGet,
		Path:        "/datasets/{dataset_id}/versions/{version}/travelling",
		Summary:     "Export travelling metadata for a version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VersionPath
		ActorInput
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		doc, schema, err := h.e.ExportTravelling(ctx, input.DatasetID, input.Version, input.ActorID)
		if err != nil {
			return nil, h.fail("export-travelling", err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: VersionResponse{Document: doc, Schema: schema}}, nil
	})
}

func registerTravelling(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "import-travelling",
		Method:      http.MethodPost,
		Path:        "/travelling/import",
		Summary:     "Import travelling metadata as a new version",
		Description: "Creates the dataset when its id is unknown. Otherwise labels set after synchronisation are applied to the dataset.",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ActorInput
		Body ImportTravellingRequest `json:"body"`
	}) (*struct {
		Body ImportResponse `json:"body"`
	}, error) {
		res, err := h.e.ImportTravelling(ctx, input.Body.Travelling, input.Body.Version, input.ActorID)
		if err != nil {
			return nil, h.fail("import-travelling", err)
		}
		return &struct {
			Body ImportResponse `json:"body"`
		}{Body: importResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-travelling",
		Method:      http.MethodPost,
		Path:        "/travelling/patch",
		Summary:     "Patch travelling metadata in transit",
		Description: "Nothing is stored. The patched document is returned with its schema.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PatchTravellingRequest `json:"body"`
	}) (*struct {
		Body VersionResponse `json:"body"`
	}, error) {
		doc, schema, err := h.e.PatchTravelling(input.Body.Travelling, input.Body.params())
		if err != nil {
			return nil, h.fail("patch-travelling", err)
		}
		return &struct {
			Body VersionResponse `json:"body"`
		}{Body: VersionResponse{Document: doc, Schema: schema}}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		DatasetID string `query:"dataset_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.e.Repo.LatestEventsFrom(ctx, limit+1, repo.EventFilters{
			DatasetID: input.DatasetID,
			Type:      input.Type,
			Cursor:    cursorID,
		})
		if err != nil {
			return nil, h.fail("list-events", err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
