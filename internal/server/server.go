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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/monitor"
	"coordline/internal/repo"
	"coordline/internal/scheduler"
	"coordline/internal/schema"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Scheduler scheduler.Scheduler
	Pipeline  schema.Pipeline
	Monitor   monitor.Monitor
	Repo      repo.Repo
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"version conflict on WI-3: expected token 7, current 9"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Coordline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Coordline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWork(group, cfg.Engine)
	registerQueue(group, cfg.Scheduler)
	registerSchema(group, cfg.Pipeline)
	registerMonitor(group, cfg.Monitor)
	registerEvents(group, cfg.Engine)
	registerKeys(group, cfg.Repo)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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

// handleError maps domain errors onto the envelope. Conflicts carry both
// version tokens so a caller can re-read and retry with fresh intent.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var conflict domain.ConflictError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{
			"entity_id": conflict.EntityID,
			"expected":  conflict.Expected,
			"actual":    conflict.Actual,
		})
	}
	var hashConflict domain.HashConflictError
	if errors.As(err, &hashConflict) {
		return newAPIError(http.StatusConflict, "hash_conflict", err.Error(), map[string]any{
			"name":          hashConflict.Name,
			"expected_hash": hashConflict.ExpectedHash,
			"actual_hash":   hashConflict.ActualHash,
		})
	}
	var transition domain.InvalidTransitionError
	if errors.As(err, &transition) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": transition.From,
			"to":   transition.To,
		})
	}
	var scope domain.ScopeViolationError
	if errors.As(err, &scope) {
		return newAPIError(http.StatusForbidden, "scope_violation", err.Error(), map[string]any{
			"target":    scope.Target,
			"namespace": scope.Namespace,
		})
	}
	var notAuthorized domain.NotAuthorizedError
	if errors.As(err, &notAuthorized) {
		return newAPIError(http.StatusForbidden, "not_authorized", err.Error(), nil)
	}
	var validation domain.ValidationError
	if errors.As(err, &validation) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{
			"field":  validation.Field,
			"reason": validation.Reason,
		})
	}
	var testFailure domain.TestFailureError
	if errors.As(err, &testFailure) {
		return newAPIError(http.StatusUnprocessableEntity, "tests_failed", err.Error(), map[string]any{
			"test":        testFailure.Test,
			"rolled_back": testFailure.RolledBack,
		})
	}
	var execution domain.ExecutionError
	if errors.As(err, &execution) {
		return newAPIError(http.StatusUnprocessableEntity, "execution_failed", err.Error(), nil)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, domain.ErrNoWork) {
		return newAPIError(http.StatusNotFound, "no_work", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Coordline API Docs</title>
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

func registerWork(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work",
		Method:        http.MethodPost,
		Path:          "/work",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkRequest `json:"body"`
	}) (*struct {
		Body WorkResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CreateWork(ctx, engine.CreateOptions{
			Title:            input.Body.Title,
			Type:             input.Body.Type,
			Severity:         input.Body.Severity,
			Description:      input.Body.Description,
			Reporter:         actorID,
			BusinessValue:    input.Body.BusinessValue,
			CustomerImpact:   input.Body.CustomerImpact,
			IdempotencyToken: input.Body.IdempotencyToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkResponse `json:"body"`
		}{Body: workResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work",
		Method:      http.MethodGet,
		Path:        "/work",
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		AssigneeID string `query:"assignee_id"`
		Severity   string `query:"severity"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		if err := e.Projections.Refresh(ctx); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		items := []domain.WorkItem{}
		for _, w := range e.Projections.WorkItems() {
			if input.Status != "" && w.Status != input.Status {
				continue
			}
			if input.AssigneeID != "" && w.AssigneeID != input.AssigneeID {
				continue
			}
			if input.Severity != "" && w.Severity != input.Severity {
				continue
			}
			items = append(items, w)
			if len(items) >= limit {
				break
			}
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work",
		Method:      http.MethodGet,
		Path:        "/work/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		w, err := e.Projections.WorkItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-history",
		Method:      http.MethodGet,
		Path:        "/work/{id}/history",
		Summary:     "Work item event history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		events, err := e.History(ctx, domain.KindWorkItem, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-work-status",
		Method:      http.MethodPatch,
		Path:        "/work/{id}/status",
		Summary:     "Change work item status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*struct {
		Body WorkResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SetStatus(ctx, engine.StatusOptions{
			WorkID:           input.ID,
			NewStatus:        input.Body.Status,
			ExpectedVersion:  input.Body.ExpectedVersion,
			ActorID:          actorID,
			Reason:           input.Body.Reason,
			IdempotencyToken: input.Body.IdempotencyToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkResponse `json:"body"`
		}{Body: workResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-work",
		Method:      http.MethodPost,
		Path:        "/work/{id}/assign",
		Summary:     "Assign work item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body WorkResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Assign(ctx, engine.AssignOptions{
			WorkID:           input.ID,
			AssigneeID:       input.Body.AssigneeID,
			AssigneeKind:     input.Body.AssigneeKind,
			ExpectedVersion:  input.Body.ExpectedVersion,
			ActorID:          actorID,
			Reason:           input.Body.Reason,
			IdempotencyToken: input.Body.IdempotencyToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkResponse `json:"body"`
		}{Body: workResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "estimate-work",
		Method:      http.MethodPost,
		Path:        "/work/{id}/estimate",
		Summary:     "Estimate work item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body EstimateRequest `json:"body"`
	}) (*struct {
		Body WorkResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Estimate(ctx, engine.EstimateOptions{
			WorkID:           input.ID,
			Points:           input.Body.Points,
			ExpectedVersion:  input.Body.ExpectedVersion,
			ActorID:          actorID,
			Reason:           input.Body.Reason,
			IdempotencyToken: input.Body.IdempotencyToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkResponse `json:"body"`
		}{Body: workResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-work",
		Method:      http.MethodPost,
		Path:        "/work/{id}/complete",
		Summary:     "Complete work item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body CompleteRequest `json:"body"`
	}) (*struct {
		Body WorkResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Complete(ctx, engine.CompleteOptions{
			WorkID:           input.ID,
			ExpectedVersion:  input.Body.ExpectedVersion,
			ActorID:          actorID,
			Notes:            input.Body.Notes,
			Deliverables:     input.Body.Deliverables,
			TestsPassing:     input.Body.TestsPassing,
			Override:         input.Body.Override,
			IdempotencyToken: input.Body.IdempotencyToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkResponse `json:"body"`
		}{Body: workResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-work",
		Method:      http.MethodPost,
		Path:        "/work/{id}/release",
		Summary:     "Release work item back to the queue",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ReleaseRequest `json:"body"`
	}) (*struct {
		Body WorkResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Release(ctx, engine.ReleaseOptions{
			WorkID:           input.ID,
			AgentID:          actorID,
			ExpectedVersion:  input.Body.ExpectedVersion,
			Reason:           input.Body.Reason,
			IdempotencyToken: input.Body.IdempotencyToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkResponse `json:"body"`
		}{Body: workResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-work-dependency",
		Method:      http.MethodPost,
		Path:        "/work/{id}/dependencies",
		Summary:     "Add work item dependency",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AddDependencyRequest `json:"body"`
	}) (*struct {
		Body WorkResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AddDependency(ctx, engine.DependencyOptions{
			WorkID:           input.ID,
			DependsOn:        input.Body.DependsOn,
			Kind:             input.Body.Kind,
			ExpectedVersion:  input.Body.ExpectedVersion,
			ActorID:          actorID,
			Reason:           input.Body.Reason,
			IdempotencyToken: input.Body.IdempotencyToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkResponse `json:"body"`
		}{Body: workResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-work-error",
		Method:      http.MethodPost,
		Path:        "/work/{id}/errors",
		Summary:     "Report an agent failure on a work item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body ReportErrorRequest `json:"body"`
	}) (*struct {
		Body WorkResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ReportError(ctx, engine.ErrorReportOptions{
			WorkID:           input.ID,
			AgentID:          actorID,
			Kind:             input.Body.Kind,
			Message:          input.Body.Message,
			WillRetry:        input.Body.WillRetry,
			IdempotencyToken: input.Body.IdempotencyToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkResponse `json:"body"`
		}{Body: workResponse(res)}, nil
	})
}

func registerQueue(api huma.API, s scheduler.Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID: "queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "Ranked claimable work",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Capabilities []string `query:"capabilities"`
	}) (*struct {
		Body []CandidateResponse `json:"body"`
	}, error) {
		candidates, err := s.Candidates(ctx, input.Capabilities)
		if err != nil {
			return nil, handleError(err)
		}
		out := []CandidateResponse{}
		for _, c := range candidates {
			out = append(out, CandidateResponse{Item: c.Item, SkillScore: c.SkillScore, Priority: c.Priority})
		}
		return &struct {
			Body []CandidateResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-next",
		Method:      http.MethodPost,
		Path:        "/queue/claim",
		Summary:     "Claim the best available work item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body ClaimNextRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		agentID := input.Body.AgentID
		if agentID == "" {
			agentID = actorID
		}
		kind := input.Body.AgentKind
		if kind == "" {
			kind = domain.AssigneeAgent
		}
		item, err := s.ClaimNext(ctx, agentID, kind, input.Body.Capabilities)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerSchema(api huma.API, p schema.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-schema-change",
		Method:      http.MethodPost,
		Path:        "/schema/changes",
		Summary:     "Submit a definition change",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body SchemaChangeRequest `json:"body"`
	}) (*struct {
		Body schema.ApplyResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := p.ApplyChange(ctx, schema.ApplyOptions{
			ActorID:          actorID,
			Definition:       input.Body.Definition,
			Reason:           input.Body.Reason,
			ExpectedHash:     input.Body.ExpectedHash,
			ExpectedVersion:  input.Body.ExpectedVersion,
			IdempotencyToken: input.Body.IdempotencyToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body schema.ApplyResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "alter-schema-object",
		Method:      http.MethodPost,
		Path:        "/schema/alter",
		Summary:     "Add a column to a governed table",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body SchemaAlterRequest `json:"body"`
	}) (*struct {
		Body schema.ApplyResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := p.Alter(ctx, schema.AlterOptions{
			ActorID:          actorID,
			Statement:        input.Body.Statement,
			Reason:           input.Body.Reason,
			ExpectedHash:     input.Body.ExpectedHash,
			ExpectedVersion:  input.Body.ExpectedVersion,
			IdempotencyToken: input.Body.IdempotencyToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body schema.ApplyResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-schema-objects",
		Method:      http.MethodGet,
		Path:        "/schema/objects",
		Summary:     "List governed objects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.SchemaObject `json:"body"`
	}, error) {
		if err := p.Projections.Refresh(ctx); err != nil {
			return nil, handleError(err)
		}
		objects := p.Projections.SchemaObjects()
		if objects == nil {
			objects = []domain.SchemaObject{}
		}
		return &struct {
			Body []domain.SchemaObject `json:"body"`
		}{Body: objects}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schema-object",
		Method:      http.MethodGet,
		Path:        "/schema/objects/{name}",
		Summary:     "Get governed object",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body domain.SchemaObject `json:"body"`
	}, error) {
		obj, err := p.Projections.SchemaObject(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SchemaObject `json:"body"`
		}{Body: obj}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "register-schema-test",
		Method:      http.MethodPost,
		Path:        "/schema/objects/{name}/tests",
		Summary:     "Register a gating test",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Name string              `path:"name"`
		Body RegisterTestRequest `json:"body"`
	}) (*struct {
		Body SchemaObjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		obj, replayed, err := p.RegisterTest(ctx, schema.RegisterTestOptions{
			Name:             input.Name,
			Test:             input.Body.Test,
			ActorID:          actorID,
			ExpectedVersion:  input.Body.ExpectedVersion,
			IdempotencyToken: input.Body.IdempotencyToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SchemaObjectResponse `json:"body"`
		}{Body: SchemaObjectResponse{Object: obj, Replayed: replayed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "soft-drop-schema-object",
		Method:      http.MethodPost,
		Path:        "/schema/objects/{name}/soft-drop",
		Summary:     "Retire a governed object",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Name string      `path:"name"`
		Body DropRequest `json:"body"`
	}) (*struct {
		Body SchemaObjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		obj, replayed, err := p.SoftDrop(ctx, schema.DropOptions{
			Name:             input.Name,
			ActorID:          actorID,
			Reason:           input.Body.Reason,
			ExpectedVersion:  input.Body.ExpectedVersion,
			IdempotencyToken: input.Body.IdempotencyToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SchemaObjectResponse `json:"body"`
		}{Body: SchemaObjectResponse{Object: obj, Replayed: replayed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hard-drop-schema-object",
		Method:      http.MethodPost,
		Path:        "/schema/objects/{name}/hard-drop",
		Summary:     "Remove a governed object for good",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Name string      `path:"name"`
		Body DropRequest `json:"body"`
	}) (*struct {
		Body SchemaObjectResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		obj, replayed, err := p.HardDrop(ctx, schema.DropOptions{
			Name:             input.Name,
			ActorID:          actorID,
			Reason:           input.Body.Reason,
			ExpectedVersion:  input.Body.ExpectedVersion,
			IdempotencyToken: input.Body.IdempotencyToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SchemaObjectResponse `json:"body"`
		}{Body: SchemaObjectResponse{Object: obj, Replayed: replayed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recover-schema-object",
		Method:      http.MethodPost,
		Path:        "/schema/objects/{name}/recover",
		Summary:     "Recover a retired object",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Name string         `path:"name"`
		Body RecoverRequest `json:"body"`
	}) (*struct {
		Body schema.ApplyResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := p.Recover(ctx, schema.RecoverOptions{
			Name:             input.Name,
			NewName:          input.Body.NewName,
			ActorID:          actorID,
			ExpectedVersion:  input.Body.ExpectedVersion,
			IdempotencyToken: input.Body.IdempotencyToken,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body schema.ApplyResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "schema-drift",
		Method:      http.MethodGet,
		Path:        "/schema/drift",
		Summary:     "Declared vs live schema drift",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.DriftEntry `json:"body"`
	}, error) {
		drift, err := p.Drift(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if drift == nil {
			drift = []domain.DriftEntry{}
		}
		return &struct {
			Body []domain.DriftEntry `json:"body"`
		}{Body: drift}, nil
	})
}

func registerMonitor(api huma.API, m monitor.Monitor) {
	huma.Register(api, huma.Operation{
		OperationID: "monitor-sweep",
		Method:      http.MethodPost,
		Path:        "/monitor/sweep",
		Summary:     "Run one compliance and SLA sweep",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body monitor.Report `json:"body"`
	}, error) {
		report, err := m.Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body monitor.Report `json:"body"`
		}{Body: report}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind  string `query:"entity_kind"`
		After int64  `query:"after"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var (
			events []domain.Event
			err    error
		)
		if input.After > 0 {
			events, err = e.Store.After(ctx, input.After, limit)
		} else {
			events, err = e.Store.Recent(ctx, input.Kind, limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: mapEvents(events)}
		if len(events) > 0 && input.After > 0 {
			resp.NextCursor = events[len(events)-1].ID
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerKeys(api huma.API, r repo.Repo) {
	type createKeyRequest struct {
		ActorID string `json:"actor_id"`
		Name    string `json:"name,omitempty"`
	}
	type createKeyResponse struct {
		ID      string `json:"id"`
		ActorID string `json:"actor_id"`
		Key     string `json:"key"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body createKeyRequest `json:"body"`
	}) (*struct {
		Body createKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		raw := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(raw),
		}
		if err := r.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body createKeyResponse `json:"body"`
		}{Body: createKeyResponse{ID: key.ID, ActorID: key.ActorID, Key: raw}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		keys, err := r.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if keys == nil {
			keys = []domain.APIKey{}
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := r.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
