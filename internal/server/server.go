// Package server exposes the interlock engine over HTTP. Handlers are thin:
// they decode, call the engine and map its typed errors onto the API's error
// envelope.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"interlock/internal/config"
	"interlock/internal/domain"
	"interlock/internal/engine"
	"interlock/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// WebhookPoll is the dispatcher tick; zero means the default, negative
	// disables webhook delivery entirely.
	WebhookPoll time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"owner_busy"`
	Message string         `json:"message" example:"another mutation for this owner is in flight, retry shortly"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status  int
	headers http.Header
	Body    apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int          { return e.status }
func (e *apiError) Error() string           { return e.Body.Message }
func (e *apiError) GetHeaders() http.Header { return e.headers }

// New returns an HTTP handler exposing the Interlock API.
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
			// Schema/request validation problems are caller mistakes.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Interlock API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOwners(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerPredict(group, cfg.Engine)
	registerConflicts(group, cfg.Engine)
	registerChanges(group, cfg.Engine)
	registerStream(router, basePath, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine, cfg.WebhookPoll)

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

// handleError maps engine failures onto HTTP statuses. Busy is 409 so
// clients know to back off and retry; constraint rejections are 422.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if te := engine.AsError(err); te != nil {
		status := http.StatusInternalServerError
		switch te.Kind {
		case engine.KindValidation:
			status = http.StatusBadRequest
		case engine.KindNotFound:
			status = http.StatusNotFound
		case engine.KindBusy:
			status = http.StatusConflict
		case engine.KindConstraint:
			status = http.StatusUnprocessableEntity
		}
		apiErr := newAPIError(status, te.Code, te.Message, te.Details).(*apiError)
		if te.Kind == engine.KindBusy {
			apiErr.headers = http.Header{"Retry-After": []string{"1"}}
		}
		return apiErr
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
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
		return "constraint_violation"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status"`
		} `json:"body"`
	}, error) {
		resp := &struct {
			Body struct {
				Status string `json:"status"`
			} `json:"body"`
		}{}
		resp.Body.Status = "ok"
		return resp, nil
	})
}

func registerOwners(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ensure-owner",
		Method:        http.MethodPut,
		Path:          "/owners/{owner_id}",
		Summary:       "Create owner if missing",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		OwnerID string             `path:"owner_id"`
		Body    EnsureOwnerRequest `json:"body"`
	}) (*struct {
		Body domain.Owner `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		o, err := e.EnsureOwner(ctx, input.OwnerID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Owner `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-summary",
		Method:      http.MethodGet,
		Path:        "/owners/{owner_id}/summary",
		Summary:     "Timeline health rollup",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OwnerID string `path:"owner_id"`
	}) (*struct {
		Body engine.Summary `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		s, err := e.Summary(ctx, input.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Summary `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-owner-config",
		Method:      http.MethodGet,
		Path:        "/owners/{owner_id}/config",
		Summary:     "Get effective config",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OwnerID string `path:"owner_id"`
	}) (*struct {
		Body OwnerConfigResponse `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		cfg, err := e.OwnerConfig(ctx, input.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		raw, err := config.ToYAML(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OwnerConfigResponse `json:"body"`
		}{Body: OwnerConfigResponse{OwnerID: input.OwnerID, YAML: raw}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-owner-config",
		Method:      http.MethodPut,
		Path:        "/owners/{owner_id}/config",
		Summary:     "Replace config",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OwnerID string             `path:"owner_id"`
		Body    OwnerConfigRequest `json:"body"`
	}) (*struct {
		Body OwnerConfigResponse `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		cfg, err := config.FromYAML([]byte(input.Body.YAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_config", err.Error(), nil)
		}
		if err := e.SetOwnerConfig(ctx, input.OwnerID, cfg); err != nil {
			return nil, handleError(err)
		}
		raw, err := config.ToYAML(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OwnerConfigResponse `json:"body"`
		}{Body: OwnerConfigResponse{OwnerID: input.OwnerID, YAML: raw}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/owners/{owner_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OwnerID string            `path:"owner_id"`
		Body    CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			OwnerID:    input.OwnerID,
			Title:      input.Body.Title,
			Department: domain.Department(input.Body.Department),
			Priority:   domain.Priority(input.Body.Priority),
			StartDate:  input.Body.StartDate,
			EndDate:    input.Body.EndDate,
			Status:     domain.TaskStatus(input.Body.Status),
			Progress:   input.Body.Progress,
			DependsOn:  input.Body.DependsOn,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/owners/{owner_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OwnerID    string `path:"owner_id"`
		Status     string `query:"status"`
		Department string `query:"department"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		limit := clampLimit(input.Limit)
		filters := repo.TaskFilters{
			OwnerID:    input.OwnerID,
			Status:     domain.TaskStatus(input.Status),
			Department: domain.Department(input.Department),
			Limit:      limit + 1,
		}
		filters.CursorStartDate, filters.CursorID = splitCursor(input.Cursor)
		tasks, err := e.Repo.ListTasks(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []domain.Task{}}
		if len(tasks) > limit {
			resp.NextCursor = composeCursor(tasks[limit].StartDate, tasks[limit].ID)
			tasks = tasks[:limit]
		}
		resp.Items = tasks
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/owners/{owner_id}/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OwnerID string `path:"owner_id"`
		TaskID  string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		t, err := e.GetTask(ctx, input.OwnerID, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/owners/{owner_id}/tasks/{task_id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OwnerID string            `path:"owner_id"`
		TaskID  string            `path:"task_id"`
		Body    UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		opts := engine.TaskUpdateOptions{
			OwnerID:    input.OwnerID,
			TaskID:     input.TaskID,
			Title:      input.Body.Title,
			StartDate:  input.Body.StartDate,
			EndDate:    input.Body.EndDate,
			Progress:   input.Body.Progress,
			AddDeps:    input.Body.AddDeps,
			RemoveDeps: input.Body.RemoveDeps,
		}
		if input.Body.Department != nil {
			d := domain.Department(*input.Body.Department)
			opts.Department = &d
		}
		if input.Body.Priority != nil {
			p := domain.Priority(*input.Body.Priority)
			opts.Priority = &p
		}
		if input.Body.Status != nil {
			s := domain.TaskStatus(*input.Body.Status)
			opts.Status = &s
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerPredict(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "predict",
		Method:      http.MethodPost,
		Path:        "/owners/{owner_id}/predict",
		Summary:     "Run conflict prediction",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OwnerID string `path:"owner_id"`
	}) (*struct {
		Body engine.PredictResult `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		res, err := e.Predict(ctx, input.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		if res.Conflicts == nil {
			res.Conflicts = []domain.Conflict{}
		}
		return &struct {
			Body engine.PredictResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerConflicts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-conflicts",
		Method:      http.MethodGet,
		Path:        "/owners/{owner_id}/conflicts",
		Summary:     "List conflicts",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OwnerID  string `path:"owner_id"`
		Status   string `query:"status"`
		Severity string `query:"severity"`
		TaskID   string `query:"task_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedConflicts `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		limit := clampLimit(input.Limit)
		filters := repo.ConflictFilters{
			OwnerID:  input.OwnerID,
			Status:   domain.ResolutionStatus(input.Status),
			Severity: domain.Severity(input.Severity),
			TaskID:   input.TaskID,
			Limit:    limit + 1,
		}
		filters.CursorCreatedAt, filters.CursorID = splitCursor(input.Cursor)
		items, err := e.Repo.ListConflicts(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedConflicts{Items: []domain.Conflict{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = items
		return &struct {
			Body paginatedConflicts `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-conflict",
		Method:      http.MethodGet,
		Path:        "/owners/{owner_id}/conflicts/{conflict_id}",
		Summary:     "Get conflict",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OwnerID    string `path:"owner_id"`
		ConflictID string `path:"conflict_id"`
	}) (*struct {
		Body domain.Conflict `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		c, err := e.Repo.GetConflict(ctx, input.OwnerID, input.ConflictID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Conflict `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reschedule-conflict",
		Method:      http.MethodPost,
		Path:        "/owners/{owner_id}/conflicts/{conflict_id}/reschedule",
		Summary:     "Commit a reschedule for a conflict",
		Description: "Moves the task to the suggested window, or to an edited window given in the body, and closes the conflict as resolved.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OwnerID    string `path:"owner_id"`
		ConflictID string `path:"conflict_id"`
		Body       *rescheduleRequest
	}) (*struct {
		Body engine.ApplyResult `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		var override *engine.Resolution
		if input.Body != nil && input.Body.NewStartDate != "" {
			override = &engine.Resolution{NewStartDate: input.Body.NewStartDate, NewEndDate: input.Body.NewEndDate}
		}
		res, err := e.Apply(ctx, input.OwnerID, input.ConflictID, override)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ApplyResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reschedule-all",
		Method:      http.MethodPost,
		Path:        "/owners/{owner_id}/reschedule-all",
		Summary:     "Accept every open suggestion",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OwnerID string `path:"owner_id"`
	}) (*struct {
		Body rescheduleAllResponse `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		outcomes, err := e.ApplyAll(ctx, input.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := rescheduleAllResponse{Attempted: len(outcomes), Failures: []rescheduleFailure{}}
		for _, o := range outcomes {
			if o.Applied {
				resp.Applied++
			} else {
				resp.Failures = append(resp.Failures, rescheduleFailure{
					ConflictID: o.ConflictID,
					Reason:     o.ErrorCode + ": " + o.Message,
				})
			}
		}
		return &struct {
			Body rescheduleAllResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-conflict",
		Method:      http.MethodPost,
		Path:        "/owners/{owner_id}/conflicts/{conflict_id}/dismiss",
		Summary:     "Dismiss a conflict",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OwnerID    string `path:"owner_id"`
		ConflictID string `path:"conflict_id"`
	}) (*struct {
		Body domain.Conflict `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		c, err := e.Dismiss(ctx, input.OwnerID, input.ConflictID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Conflict `json:"body"`
		}{Body: c}, nil
	})
}

func registerChanges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-changes",
		Method:      http.MethodGet,
		Path:        "/owners/{owner_id}/changes",
		Summary:     "Poll the change feed",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OwnerID string `path:"owner_id"`
		Cursor  int64  `query:"cursor"`
		Limit   int    `query:"limit" default:"100"`
	}) (*struct {
		Body changesResponse `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		items, err := e.Repo.ChangesAfter(ctx, input.OwnerID, input.Cursor, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		resp := changesResponse{Items: items, NextCursor: input.Cursor}
		if resp.Items == nil {
			resp.Items = []domain.Change{}
		}
		if n := len(items); n > 0 {
			resp.NextCursor = items[n-1].ID
		}
		return &struct {
			Body changesResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// registerStream serves the change feed as NDJSON over a held-open response.
// A "lagged" row tells the consumer to resync from its durable cursor.
func registerStream(r chi.Router, basePath string, e engine.Engine) {
	r.Get(path.Join(basePath, "owners/{owner_id}/changes/stream"), func(w http.ResponseWriter, req *http.Request) {
		ownerID := chi.URLParam(req, "owner_id")
		if err := requireOwnerScope(req.Context(), ownerID); err != nil {
			respondStatusError(w, err)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream", nil))
			return
		}
		feed, cancel := e.Broker.Subscribe(ownerID)
		defer cancel()
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		enc := json.NewEncoder(w)
		for {
			select {
			case <-req.Context().Done():
				return
			case c, open := <-feed:
				if !open {
					return
				}
				if err := enc.Encode(c); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/owners/{owner_id}/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OwnerID string              `path:"owner_id"`
		Body    CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		if _, err := e.Repo.GetOwner(ctx, input.OwnerID); err != nil {
			return nil, handleError(err)
		}
		key := "ilk_" + uuid.NewString()
		rec := domain.APIKey{
			ID:      "key_" + uuid.NewString(),
			OwnerID: input.OwnerID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(key),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, rec); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{ID: rec.ID, OwnerID: rec.OwnerID, Name: rec.Name, Key: key}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/owners/{owner_id}/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OwnerID string `path:"owner_id"`
	}) (*struct {
		Body struct {
			Items []domain.APIKey `json:"items"`
		} `json:"body"`
	}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListAPIKeys(ctx, input.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []domain.APIKey `json:"items"`
			} `json:"body"`
		}{}
		resp.Body.Items = items
		if resp.Body.Items == nil {
			resp.Body.Items = []domain.APIKey{}
		}
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/owners/{owner_id}/apikeys/{key_id}",
		Summary:       "Delete API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OwnerID string `path:"owner_id"`
		KeyID   string `path:"key_id"`
	}) (*struct{}, error) {
		if err := requireOwnerScope(ctx, input.OwnerID); err != nil {
			return nil, err
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.OwnerID, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join(basePath, "openapi.json")
	return `<!DOCTYPE html>
<html>
<head>
  <title>Interlock API</title>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
<script>
  window.onload = () => {
    window.ui = SwaggerUIBundle({url: "` + specURL + `", dom_id: "#swagger-ui"});
  };
</script>
</body>
</html>`
}

func composeCursor(key, id string) string {
	if key == "" || id == "" {
		return ""
	}
	return key + "|" + id
}

func splitCursor(cursor string) (string, string) {
	if cursor == "" {
		return "", ""
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
