package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"groveline/internal/domain"
	"groveline/internal/engine"
	"groveline/internal/events"
	"groveline/internal/gate"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Journal  *events.Journal
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"plantation not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Groveline API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Groveline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPlantations(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerCollaborators(group, cfg.Engine)
	registerCheckpoints(group, cfg.Engine)
	registerRecurring(group, cfg.Engine)
	registerEvents(group, cfg.Journal)
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

func notFound(what string) huma.StatusError {
	return newAPIError(http.StatusNotFound, "not_found", what+" not found", nil)
}

type PlantationPath struct {
	PlantationID string `path:"plantation_id"`
}

type plantationBody struct {
	Body domain.Plantation `json:"body"`
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

func registerPlantations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-plantations",
		Method:      http.MethodGet,
		Path:        "/plantations",
		Summary:     "List plantations",
	}, func(ctx context.Context, input *struct {
		Wallet string `query:"wallet" doc:"Filter by owning wallet (case-insensitive)"`
	}) (*struct {
		Body []domain.Plantation `json:"body"`
	}, error) {
		var items []domain.Plantation
		if input.Wallet != "" {
			items = e.PlantationsByWallet(input.Wallet)
		} else {
			items = e.Plantations()
		}
		if items == nil {
			items = []domain.Plantation{}
		}
		return &struct {
			Body []domain.Plantation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plantation",
		Method:      http.MethodGet,
		Path:        "/plantations/{plantation_id}",
		Summary:     "Show a plantation",
	}, func(ctx context.Context, input *PlantationPath) (*plantationBody, error) {
		p, ok := e.Plantation(input.PlantationID)
		if !ok {
			return nil, notFound("plantation")
		}
		return &plantationBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-plantation",
		Method:        http.MethodPost,
		Path:          "/plantations",
		Summary:       "Register a plantation",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreatePlantationRequest `json:"body"`
	}) (*plantationBody, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.PlantationCreateOptions{
			SeedName:         input.Body.SeedName,
			TreeCount:        input.Body.TreeCount,
			AreaHectares:     input.Body.AreaHectares,
			CarbonOffsetTons: input.Body.CarbonOffsetTons,
			Coordinates:      input.Body.Coordinates,
			Wallet:           wallet,
		}
		if input.Body.Location != nil {
			opts.Location = *input.Body.Location
		}
		if input.Body.Stage != nil {
			opts.Stage = domain.Stage(*input.Body.Stage)
		}
		if input.Body.StartDate != nil {
			opts.StartDate = *input.Body.StartDate
		}
		if input.Body.Wallet != nil {
			opts.Wallet = *input.Body.Wallet
		}
		p := e.AddPlantation(opts)
		return &plantationBody{Body: p}, nil
	})
}

func registerTransitions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-plantation",
		Method:      http.MethodPost,
		Path:        "/plantations/{plantation_id}/transition",
		Summary:     "Advance a plantation's lifecycle stage",
	}, func(ctx context.Context, input *struct {
		PlantationPath
		Body TransitionRequest `json:"body"`
	}) (*plantationBody, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, ok := e.Transition(input.PlantationID, domain.Stage(input.Body.TargetStage), input.Body.Note, wallet)
		if !ok {
			// Same-stage transitions are no-ops; report current state.
			if cur, exists := e.Plantation(input.PlantationID); exists {
				return &plantationBody{Body: cur}, nil
			}
			return nil, notFound("plantation")
		}
		return &plantationBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-plantations-bulk",
		Method:      http.MethodPost,
		Path:        "/plantations/transition-bulk",
		Summary:     "Advance several plantations at once",
		Description: "Bulk moves skip stage-template task generation; transition individually when generated tasks are wanted.",
	}, func(ctx context.Context, input *struct {
		Body BulkTransitionRequest `json:"body"`
	}) (*struct {
		Body BulkTransitionResponse `json:"body"`
	}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		changed := e.TransitionMany(input.Body.IDs, domain.Stage(input.Body.TargetStage), input.Body.Note, wallet)
		return &struct {
			Body BulkTransitionResponse `json:"body"`
		}{Body: BulkTransitionResponse{Changed: changed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "gate-check",
		Method:      http.MethodPost,
		Path:        "/plantations/{plantation_id}/gate-check",
		Summary:     "Evaluate stage-gate rules for a candidate stage",
		Description: "Advisory: the transition endpoint does not consult gate rules.",
	}, func(ctx context.Context, input *struct {
		PlantationPath
		Body GateCheckRequest `json:"body"`
	}) (*struct {
		Body gate.Verdict `json:"body"`
	}, error) {
		v, ok := e.GateCheck(input.PlantationID, domain.Stage(input.Body.TargetStage))
		if !ok {
			return nil, notFound("plantation")
		}
		return &struct {
			Body gate.Verdict `json:"body"`
		}{Body: v}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/plantations/{plantation_id}/tasks",
		Summary:       "Add a task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		PlantationPath
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			Title:      input.Body.Title,
			AssigneeID: input.Body.AssigneeID,
			Notes:      input.Body.Notes,
		}
		if input.Body.DueDate != nil {
			opts.DueDate = *input.Body.DueDate
		}
		if input.Body.Status != nil {
			opts.Status = domain.TaskStatus(*input.Body.Status)
		}
		t, ok := e.AddTask(input.PlantationID, opts, wallet)
		if !ok {
			return nil, notFound("plantation or assignee")
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPut,
		Path:        "/plantations/{plantation_id}/tasks/{task_id}/status",
		Summary:     "Set task status",
	}, func(ctx context.Context, input *struct {
		PlantationPath
		TaskID string               `path:"task_id"`
		Body   SetTaskStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, ok := e.SetTaskStatus(input.PlantationID, input.TaskID, domain.TaskStatus(input.Body.Status), wallet)
		if !ok {
			// Unchanged status is a silent no-op; report current state.
			if p, exists := e.Plantation(input.PlantationID); exists {
				if ti, found := p.Task(input.TaskID); found {
					return &struct {
						Body domain.Task `json:"body"`
					}{Body: p.Tasks[ti]}, nil
				}
			}
			return nil, notFound("task")
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-assignee",
		Method:      http.MethodPut,
		Path:        "/plantations/{plantation_id}/tasks/{task_id}/assignee",
		Summary:     "Assign or clear a task's assignee",
	}, func(ctx context.Context, input *struct {
		PlantationPath
		TaskID string                 `path:"task_id"`
		Body   SetTaskAssigneeRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, ok := e.SetTaskAssignee(input.PlantationID, input.TaskID, input.Body.AssigneeID, wallet)
		if !ok {
			return nil, notFound("task or collaborator")
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerCollaborators(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-collaborator",
		Method:        http.MethodPost,
		Path:          "/plantations/{plantation_id}/collaborators",
		Summary:       "Add a collaborator",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		PlantationPath
		Body CreateCollaboratorRequest `json:"body"`
	}) (*struct {
		Body domain.Collaborator `json:"body"`
	}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CollaboratorCreateOptions{Name: input.Body.Name, Role: input.Body.Role}
		if input.Body.Contact != nil {
			opts.Contact = *input.Body.Contact
		}
		if input.Body.AvatarURL != nil {
			opts.AvatarURL = *input.Body.AvatarURL
		}
		c, ok := e.AddCollaborator(input.PlantationID, opts, wallet)
		if !ok {
			return nil, notFound("plantation")
		}
		return &struct {
			Body domain.Collaborator `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "log-collaborator-note",
		Method:      http.MethodPost,
		Path:        "/plantations/{plantation_id}/collaborators/{collaborator_id}/notes",
		Summary:     "Record a collaborator note",
	}, func(ctx context.Context, input *struct {
		PlantationPath
		CollaboratorID string                     `path:"collaborator_id"`
		Body           LogCollaboratorNoteRequest `json:"body"`
	}) (*struct {
		Body domain.Collaborator `json:"body"`
	}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, ok := e.LogCollaboratorNote(input.PlantationID, input.CollaboratorID, input.Body.Note, wallet)
		if !ok {
			return nil, notFound("collaborator")
		}
		return &struct {
			Body domain.Collaborator `json:"body"`
		}{Body: c}, nil
	})
}

func registerCheckpoints(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-yield-checkpoint",
		Method:        http.MethodPost,
		Path:          "/plantations/{plantation_id}/checkpoints",
		Summary:       "Record a yield checkpoint",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		PlantationPath
		Body CreateCheckpointRequest `json:"body"`
	}) (*struct {
		Body domain.YieldCheckpoint `json:"body"`
	}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CheckpointCreateOptions{Event: input.Body.Event, YieldKg: input.Body.YieldKg}
		if input.Body.Date != nil {
			opts.Date = *input.Body.Date
		}
		cp, ok := e.AddYieldCheckpoint(input.PlantationID, opts, wallet)
		if !ok {
			return nil, notFound("plantation")
		}
		return &struct {
			Body domain.YieldCheckpoint `json:"body"`
		}{Body: cp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-coordinates",
		Method:      http.MethodPut,
		Path:        "/plantations/{plantation_id}/coordinates",
		Summary:     "Pin the plantation location",
	}, func(ctx context.Context, input *struct {
		PlantationPath
		Body SetCoordinatesRequest `json:"body"`
	}) (*plantationBody, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, ok := e.SetCoordinates(input.PlantationID, input.Body.Lat, input.Body.Lng, wallet)
		if !ok {
			return nil, notFound("plantation")
		}
		return &plantationBody{Body: p}, nil
	})
}

func registerRecurring(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-recurring-templates",
		Method:      http.MethodGet,
		Path:        "/recurring-templates",
		Summary:     "List recurring task templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.RecurringTaskTemplate `json:"body"`
	}, error) {
		items := e.RecurringTemplates()
		if items == nil {
			items = []domain.RecurringTaskTemplate{}
		}
		return &struct {
			Body []domain.RecurringTaskTemplate `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-recurring-template",
		Method:        http.MethodPost,
		Path:          "/recurring-templates",
		Summary:       "Add a recurring task template",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateRecurringTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.RecurringTaskTemplate `json:"body"`
	}, error) {
		if _, authErr := walletFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		opts := engine.RecurringTemplateCreateOptions{
			PlantationID: input.Body.PlantationID,
			Title:        input.Body.Title,
			Frequency:    domain.Frequency(input.Body.Frequency),
			Interval:     input.Body.Interval,
			LeadTimeDays: input.Body.LeadTimeDays,
			Enabled:      input.Body.Enabled,
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.NextRunDate != nil {
			opts.NextRunDate = *input.Body.NextRunDate
		}
		tpl, ok := e.AddRecurringTemplate(opts)
		if !ok {
			return nil, notFound("plantation")
		}
		return &struct {
			Body domain.RecurringTaskTemplate `json:"body"`
		}{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-recurring-enabled",
		Method:      http.MethodPut,
		Path:        "/recurring-templates/{template_id}/enabled",
		Summary:     "Enable or disable a recurring template",
	}, func(ctx context.Context, input *struct {
		TemplateID string                     `path:"template_id"`
		Body       SetRecurringEnabledRequest `json:"body"`
	}) (*struct {
		Body domain.RecurringTaskTemplate `json:"body"`
	}, error) {
		if _, authErr := walletFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		tpl, ok := e.SetRecurringEnabled(input.TemplateID, input.Body.Enabled)
		if !ok {
			return nil, notFound("template")
		}
		return &struct {
			Body domain.RecurringTaskTemplate `json:"body"`
		}{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-scheduler",
		Method:      http.MethodPost,
		Path:        "/scheduler/run",
		Summary:     "Generate due recurring tasks",
		Description: "Catch-up is bounded per template per call; run again to backfill further.",
	}, func(ctx context.Context, input *struct {
		Body SchedulerRunRequest `json:"body"`
	}) (*struct {
		Body SchedulerRunResponse `json:"body"`
	}, error) {
		wallet, authErr := walletFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		now := time.Now()
		if input.Body.Now != nil {
			parsed, err := time.Parse(time.RFC3339, *input.Body.Now)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "now must be RFC3339", nil)
			}
			now = parsed
		}
		created := e.RunScheduler(now, wallet)
		resp := SchedulerRunResponse{Created: []domain.Task{}}
		for _, c := range created {
			resp.Created = append(resp.Created, c.Task)
		}
		return &struct {
			Body SchedulerRunResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, j *events.Journal) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Read the event journal",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after" doc:"Return events with id greater than this cursor"`
		Limit int   `query:"limit" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []events.Record `json:"body"`
	}, error) {
		if j == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "journal not configured", nil)
		}
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		recs, err := j.After(ctx, limit, input.After)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "read journal", map[string]any{"error": err.Error()})
		}
		if recs == nil {
			recs = []events.Record{}
		}
		return &struct {
			Body []events.Record `json:"body"`
		}{Body: recs}, nil
	})
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Groveline API Docs</title>
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
