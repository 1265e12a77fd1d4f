package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"cell not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Flowline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Flowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTenants(group, cfg.Engine)
	registerCells(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerParts(group, cfg.Engine)
	registerOperations(group, cfg.Engine)
	registerExpectations(group, cfg.Engine)
	registerExceptions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not found"):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case strings.Contains(lowered, "already superseded"),
		strings.Contains(lowered, "already exists"),
		strings.Contains(lowered, "cannot acknowledge"),
		strings.Contains(lowered, "cannot resolve"),
		strings.Contains(lowered, "cannot dismiss"),
		strings.Contains(lowered, "invalid status transition"),
		strings.Contains(lowered, "admission refused"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "unfinished operations"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unrecognized") ||
		strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		ensureSlash(path.Join(basePath, "health")):         true,
		ensureSlash(path.Join(basePath, "auth/dev/login")): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func ensureSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Flowline API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTenants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tenant",
		Method:        http.MethodPost,
		Path:          "/tenants",
		Summary:       "Create tenant",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTenantRequest `json:"body"`
	}) (*struct {
		Body TenantResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.InitTenant(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TenantResponse `json:"body"`
		}{Body: tenantResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tenants",
		Method:      http.MethodGet,
		Path:        "/tenants",
		Summary:     "List tenants",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TenantResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTenants(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]TenantResponse, 0, len(items))
		for _, t := range items {
			res = append(res, tenantResponse(t))
		}
		return &struct {
			Body []TenantResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}",
		Summary:     "Get tenant",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body TenantResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTenant(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TenantResponse `json:"body"`
		}{Body: tenantResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant-config",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/config",
		Summary:     "Get tenant config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body TenantConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetTenantConfig(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TenantConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func registerCells(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cell",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/cells",
		Summary:       "Create cell",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string            `path:"tenant_id"`
		Body     CreateCellRequest `json:"body"`
	}) (*struct {
		Body domain.Cell `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CellCreateOptions{
			TenantID:            input.TenantID,
			Name:                input.Body.Name,
			Sequence:            input.Body.Sequence,
			WIPLimit:            input.Body.WIPLimit,
			WIPWarningThreshold: input.Body.WIPWarningThreshold,
			ActorID:             actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.EnforceWIPLimit != nil {
			opts.EnforceWIPLimit = *input.Body.EnforceWIPLimit
		}
		if input.Body.ShowCapacityWarning != nil {
			opts.ShowCapacityWarning = *input.Body.ShowCapacityWarning
		} else {
			opts.ShowCapacityWarning = true
		}
		c, err := e.CreateCell(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cell `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cells",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/cells",
		Summary:     "List cells",
	}, func(ctx context.Context, input *struct {
		TenantID        string `path:"tenant_id"`
		IncludeInactive bool   `query:"include_inactive"`
	}) (*struct {
		Body []domain.Cell `json:"body"`
	}, error) {
		items, err := e.Repo.ListCells(ctx, input.TenantID, input.IncludeInactive)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Cell `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cell",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/cells/{id}",
		Summary:     "Get cell",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body domain.Cell `json:"body"`
	}, error) {
		c, err := e.Repo.GetCell(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cell `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-cell",
		Method:      http.MethodPatch,
		Path:        "/tenants/{tenant_id}/cells/{id}",
		Summary:     "Update cell",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string            `path:"tenant_id"`
		ID       string            `path:"id"`
		Body     UpdateCellRequest `json:"body"`
	}) (*struct {
		Body domain.Cell `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bodyMap := rawBodyMap(ctx)
		u := repo.CellUpdate{
			Name:                input.Body.Name,
			EnforceWIPLimit:     input.Body.EnforceWIPLimit,
			ShowCapacityWarning: input.Body.ShowCapacityWarning,
		}
		// Distinguish "set to null" from "leave alone" for nullable limits.
		if raw, ok := bodyMap["wip_limit"]; ok {
			if isNullRaw(raw) {
				var cleared *int
				u.WIPLimit = &cleared
			} else {
				u.WIPLimit = &input.Body.WIPLimit
			}
		}
		if raw, ok := bodyMap["wip_warning_threshold"]; ok {
			if isNullRaw(raw) {
				var cleared *int
				u.WIPWarningThreshold = &cleared
			} else {
				u.WIPWarningThreshold = &input.Body.WIPWarningThreshold
			}
		}
		c, err := e.UpdateCell(ctx, input.TenantID, input.ID, actorID, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Cell `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-cell",
		Method:      http.MethodDelete,
		Path:        "/tenants/{tenant_id}/cells/{id}",
		Summary:     "Deactivate cell",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveCell(ctx, input.TenantID, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cell-metrics",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/cells/{id}/metrics",
		Summary:     "Cell WIP metrics",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body domain.CellMetrics `json:"body"`
	}, error) {
		m, err := e.CellMetrics(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CellMetrics `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cell-admission",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/cells/{id}/admission",
		Summary:     "Check admission to next cell",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body domain.AdmissionDecision `json:"body"`
	}, error) {
		d, err := e.CheckNextCellAdmission(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AdmissionDecision `json:"body"`
		}{Body: d}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/jobs",
		Summary:       "Create job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string           `path:"tenant_id"`
		Body     CreateJobRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.JobNumber == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "job_number is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.JobCreateOptions{
			TenantID:  input.TenantID,
			JobNumber: input.Body.JobNumber,
			Name:      input.Body.Name,
			DueDate:   input.Body.DueDate,
			ActorID:   actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		j, err := e.CreateJob(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/jobs",
		Summary:     "List jobs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		Status   string `query:"status"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedJobs `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListJobs(ctx, repo.JobFilters{
			TenantID:        input.TenantID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedJobs{Items: []domain.Job{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = items
		return &struct {
			Body paginatedJobs `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/jobs/{id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		j, err := e.Repo.GetJob(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-job-due-date",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/jobs/{id}/due-date",
		Summary:     "Change job due date",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string            `path:"tenant_id"`
		ID       string            `path:"id"`
		Body     SetDueDateRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.DueDate == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "due_date is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.SetJobDueDate(ctx, input.TenantID, input.ID, input.Body.DueDate, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/jobs/{id}/done",
		Summary:     "Complete job",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
		Force    bool   `query:"force"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.CompleteJob(ctx, input.TenantID, input.ID, actorID, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})
}

func registerParts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-part",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/parts",
		Summary:       "Create part",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string            `path:"tenant_id"`
		Body     CreatePartRequest `json:"body"`
	}) (*struct {
		Body domain.Part `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.PartCreateOptions{
			TenantID:   input.TenantID,
			JobID:      input.Body.JobID,
			PartNumber: input.Body.PartNumber,
			Name:       input.Body.Name,
			Quantity:   input.Body.Quantity,
			ActorID:    actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		p, err := e.CreatePart(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Part `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-parts",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/parts",
		Summary:     "List parts",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		JobID    string `query:"job_id"`
	}) (*struct {
		Body []domain.Part `json:"body"`
	}, error) {
		items, err := e.Repo.ListParts(ctx, input.TenantID, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Part `json:"body"`
		}{Body: items}, nil
	})
}

func registerOperations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-operation",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/operations",
		Summary:       "Create operation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string                 `path:"tenant_id"`
		Body     CreateOperationRequest `json:"body"`
	}) (*struct {
		Body domain.Operation `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.OperationCreateOptions{
			TenantID:   input.TenantID,
			PartID:     input.Body.PartID,
			Name:       input.Body.Name,
			Sequence:   input.Body.Sequence,
			ExpectedAt: input.Body.ExpectedAt,
			ActorID:    actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.CellID != nil {
			opts.CellID = *input.Body.CellID
		}
		op, err := e.CreateOperation(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operation `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/operations",
		Summary:     "List operations",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		PartID   string `query:"part_id"`
		JobID    string `query:"job_id"`
		CellID   string `query:"cell_id"`
		Status   string `query:"status"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Operation `json:"body"`
	}, error) {
		items, err := e.Repo.ListOperations(ctx, repo.OperationFilters{
			TenantID: input.TenantID,
			PartID:   input.PartID,
			JobID:    input.JobID,
			CellID:   input.CellID,
			Status:   input.Status,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Operation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/operations/{id}",
		Summary:     "Get operation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body domain.Operation `json:"body"`
	}, error) {
		op, err := e.Repo.GetOperation(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operation `json:"body"`
		}{Body: op}, nil
	})

	type opVerb struct {
		id      string
		path    string
		summary string
		call    func(ctx context.Context, tenantID, opID, actorID string) (domain.Operation, error)
	}
	verbs := []opVerb{
		{"start-operation", "/tenants/{tenant_id}/operations/{id}/start", "Start operation", e.StartOperation},
		{"hold-operation", "/tenants/{tenant_id}/operations/{id}/hold", "Hold operation", e.HoldOperation},
		{"resume-operation", "/tenants/{tenant_id}/operations/{id}/resume", "Resume operation", e.ResumeOperation},
		{"complete-operation", "/tenants/{tenant_id}/operations/{id}/done", "Complete operation", e.CompleteOperation},
	}
	for _, v := range verbs {
		call := v.call
		huma.Register(api, huma.Operation{
			OperationID: v.id,
			Method:      http.MethodPost,
			Path:        v.path,
			Summary:     v.summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *struct {
			TenantID string `path:"tenant_id"`
			ID       string `path:"id"`
		}) (*struct {
			Body domain.Operation `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			op, err := call(ctx, input.TenantID, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Operation `json:"body"`
			}{Body: op}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "assign-operation-cell",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/operations/{id}/assign-cell",
		Summary:     "Assign operation to a cell",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string            `path:"tenant_id"`
		ID       string            `path:"id"`
		Body     AssignCellRequest `json:"body"`
	}) (*struct {
		Body domain.Operation `json:"body"`
	}, error) {
		if input.Body.CellID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "cell_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, err := e.AssignOperationCell(ctx, input.TenantID, input.ID, input.Body.CellID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operation `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-operation",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/operations/{id}/advance",
		Summary:     "Advance operation to the next cell",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body AdvanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, decision, err := e.AdvanceOperation(ctx, input.TenantID, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdvanceResponse `json:"body"`
		}{Body: AdvanceResponse{Operation: op, Admission: decision}}, nil
	})
}

func registerExpectations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assert-expectation",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/expectations",
		Summary:       "Assert expectation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string                   `path:"tenant_id"`
		Body     AssertExpectationRequest `json:"body"`
	}) (*struct {
		Body ExpectationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		expectedValue, err := encodeJSONMap(input.Body.ExpectedValue)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid expected_value", map[string]any{"error": err.Error()})
		}
		contextJSON, err := encodeJSONMap(input.Body.Context)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid context", map[string]any{"error": err.Error()})
		}
		exp, err := e.AssertExpectation(ctx, engine.AssertExpectationOptions{
			TenantID:          input.TenantID,
			EntityType:        input.Body.EntityType,
			EntityID:          input.Body.EntityID,
			ExpectationType:   input.Body.ExpectationType,
			Statement:         input.Body.Statement,
			ExpectedValueJSON: expectedValue,
			ExpectedAt:        input.Body.ExpectedAt,
			Source:            input.Body.Source,
			CreatedBy:         actorID,
			ContextJSON:       contextJSON,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpectationResponse `json:"body"`
		}{Body: expectationResponse(exp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-expectations",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/expectations",
		Summary:     "List expectations",
	}, func(ctx context.Context, input *struct {
		TenantID        string `path:"tenant_id"`
		EntityType      string `query:"entity_type" enum:"job,operation,part"`
		EntityID        string `query:"entity_id"`
		ExpectationType string `query:"expectation_type"`
		ActiveOnly      bool   `query:"active_only"`
		Limit           int    `query:"limit" default:"50"`
	}) (*struct {
		Body expectationList `json:"body"`
	}, error) {
		items, err := e.Repo.ListExpectations(ctx, repo.ExpectationFilters{
			TenantID:        input.TenantID,
			EntityType:      input.EntityType,
			EntityID:        input.EntityID,
			ExpectationType: input.ExpectationType,
			ActiveOnly:      input.ActiveOnly,
			Limit:           normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body expectationList `json:"body"`
		}{Body: expectationList{Items: mapExpectations(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-expectation",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/expectations/{id}",
		Summary:     "Get expectation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body ExpectationResponse `json:"body"`
	}, error) {
		exp, err := e.Repo.GetExpectation(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpectationResponse `json:"body"`
		}{Body: expectationResponse(exp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expectation-chain",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/expectations/{id}/chain",
		Summary:     "Full version chain for an expectation's entity and type",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body expectationList `json:"body"`
	}, error) {
		exp, err := e.Repo.GetExpectation(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		chain, err := e.Repo.ExpectationChain(ctx, input.TenantID, exp.EntityType, exp.EntityID, exp.ExpectationType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body expectationList `json:"body"`
		}{Body: expectationList{Items: mapExpectations(chain)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "supersede-expectation",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/expectations/{id}/supersede",
		Summary:     "Supersede expectation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string                      `path:"tenant_id"`
		ID       string                      `path:"id"`
		Body     SupersedeExpectationRequest `json:"body"`
	}) (*struct {
		Body ExpectationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		expectedValue, err := encodeJSONMap(input.Body.ExpectedValue)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid expected_value", map[string]any{"error": err.Error()})
		}
		contextJSON, err := encodeJSONMap(input.Body.Context)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid context", map[string]any{"error": err.Error()})
		}
		exp, err := e.SupersedeExpectation(ctx, engine.SupersedeExpectationOptions{
			TenantID:          input.TenantID,
			ExpectationID:     input.ID,
			ExpectedValueJSON: expectedValue,
			ExpectedAt:        input.Body.ExpectedAt,
			Source:            input.Body.Source,
			CreatedBy:         actorID,
			ContextJSON:       contextJSON,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpectationResponse `json:"body"`
		}{Body: expectationResponse(exp)}, nil
	})
}

func registerExceptions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-exception",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/exceptions",
		Summary:       "Create exception",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string                 `path:"tenant_id"`
		Body     CreateExceptionRequest `json:"body"`
	}) (*struct {
		Body ExceptionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actualValue, err := encodeJSONMap(input.Body.ActualValue)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid actual_value", map[string]any{"error": err.Error()})
		}
		x, err := e.CreateException(ctx, engine.ExceptionCreateOptions{
			TenantID:        input.TenantID,
			ExpectationID:   input.Body.ExpectationID,
			ExceptionType:   input.Body.ExceptionType,
			ActualValueJSON: actualValue,
			OccurredAt:      input.Body.OccurredAt,
			DeviationAmount: input.Body.DeviationAmount,
			DeviationUnit:   input.Body.DeviationUnit,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExceptionResponse `json:"body"`
		}{Body: exceptionResponse(x)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-exceptions",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/exceptions",
		Summary:     "List exceptions",
	}, func(ctx context.Context, input *struct {
		TenantID      string `path:"tenant_id"`
		Status        string `query:"status" enum:"open,acknowledged,resolved,dismissed"`
		ExceptionType string `query:"exception_type"`
		ExpectationID string `query:"expectation_id"`
		Limit         int    `query:"limit" default:"50"`
	}) (*struct {
		Body exceptionList `json:"body"`
	}, error) {
		items, err := e.Repo.ListExceptions(ctx, repo.ExceptionFilters{
			TenantID:      input.TenantID,
			Status:        input.Status,
			ExceptionType: input.ExceptionType,
			ExpectationID: input.ExpectationID,
			Limit:         normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body exceptionList `json:"body"`
		}{Body: exceptionList{Items: mapExceptions(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "exception-stats",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/exceptions/stats",
		Summary:     "Exception statistics",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body domain.ExceptionStats `json:"body"`
	}, error) {
		stats, err := e.ExceptionStats(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExceptionStats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-exception",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/exceptions/{id}",
		Summary:     "Get exception",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body ExceptionResponse `json:"body"`
	}, error) {
		x, err := e.Repo.GetException(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExceptionResponse `json:"body"`
		}{Body: exceptionResponse(x)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acknowledge-exception",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/exceptions/{id}/acknowledge",
		Summary:     "Acknowledge exception",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body ExceptionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		x, err := e.AcknowledgeException(ctx, input.TenantID, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExceptionResponse `json:"body"`
		}{Body: exceptionResponse(x)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-exception",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/exceptions/{id}/resolve",
		Summary:     "Resolve exception",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string                  `path:"tenant_id"`
		ID       string                  `path:"id"`
		Body     ResolveExceptionRequest `json:"body"`
	}) (*struct {
		Body ExceptionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resolution, err := encodeJSONMap(input.Body.Resolution)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid resolution", map[string]any{"error": err.Error()})
		}
		x, err := e.ResolveException(ctx, input.TenantID, input.ID, actorID, engine.ExceptionResolveOptions{
			RootCause:        input.Body.RootCause,
			CorrectiveAction: input.Body.CorrectiveAction,
			PreventiveAction: input.Body.PreventiveAction,
			ResolutionJSON:   resolution,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExceptionResponse `json:"body"`
		}{Body: exceptionResponse(x)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-exception",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/exceptions/{id}/dismiss",
		Summary:     "Dismiss exception",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string                  `path:"tenant_id"`
		ID       string                  `path:"id"`
		Body     DismissExceptionRequest `json:"body"`
	}) (*struct {
		Body ExceptionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		x, err := e.DismissException(ctx, input.TenantID, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExceptionResponse `json:"body"`
		}{Body: exceptionResponse(x)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"tenant,cell,job,part,operation,expectation,exception"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
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
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.TenantID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
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

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, strings.TrimSpace(input.Body.TenantID), time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	if inner, ok := outer["body"]; ok {
		var innerMap map[string]json.RawMessage
		if err := json.Unmarshal(inner, &innerMap); err == nil {
			return innerMap
		}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
