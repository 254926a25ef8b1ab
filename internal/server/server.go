package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"taskgate/internal/checks"
	"taskgate/internal/domain"
	"taskgate/internal/engine"
	"taskgate/internal/events"
	"taskgate/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
	// Gatherer backs /metrics. Defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot move task from pending to review"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the taskgate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	huma.DefaultArrayNullable = false
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
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	hcfg := huma.DefaultConfig("taskgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerTaskActions(group, cfg.Engine)
	registerFeedback(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerChecks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
}

// Serve runs handler on addr until ctx is cancelled, then shuts down.
func Serve(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("api listening", zap.String("addr", ln.Addr().String()))
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
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

// handleError maps engine failures to statuses by kind. The reason becomes
// the error code so clients can branch on it.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var de *domain.Error
	if !errors.As(err, &de) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	msg := de.Error()
	code := de.ReasonCode()
	details := map[string]any{"kind": string(de.Kind)}
	switch de.Kind {
	case domain.KindNotFound:
		return newAPIError(http.StatusNotFound, code, msg, details)
	case domain.KindInvalidTransition, domain.KindInvalidSequence, domain.KindFeedbackUnresolved:
		return newAPIError(http.StatusConflict, code, msg, details)
	case domain.KindCheckFailed, domain.KindCheckTimeout:
		return newAPIError(http.StatusUnprocessableEntity, code, msg, details)
	case domain.KindInvalidInput:
		return newAPIError(http.StatusBadRequest, code, msg, details)
	default:
		return newAPIError(http.StatusInternalServerError, code, msg, details)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type taskPath struct {
	ID string `path:"id"`
}

type taskOutput struct {
	Body TaskResponse `json:"body"`
}

func taskResult(t domain.Task, err error) (*taskOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &taskOutput{Body: t}, nil
}

var taskErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Task counts by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Summary `json:"body"`
	}, error) {
		sum, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Summary `json:"body"`
		}{Body: sum}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return taskResult(e.CreateTask(ctx, input.Body.options(actorID)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"pending,ready,in_progress,review,completed,failed"`
		Assignee string `query:"assignee" enum:"planner,implementer,reviewer,operator"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		tasks, err := e.List(ctx, store.Filter{
			Status:   domain.Status(input.Status),
			Assignee: domain.Role(input.Assignee),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		return taskResult(e.Get(ctx, input.ID))
	})
}

func registerTaskActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "prepare-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/prepare",
		Summary:     "Classify and validate a pending task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return taskResult(e.Prepare(ctx, input.ID, actorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/claim",
		Summary:     "Claim a ready task for a role",
		Errors:      append([]int{http.StatusForbidden}, taskErrors...),
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body ClaimTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		if err := requireRole(ctx, input.Body.Role); err != nil {
			return nil, err
		}
		return taskResult(e.Claim(ctx, input.ID, input.Body.Role))
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-review",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/review",
		Summary:     "Run the full battery and hand off for review",
		Errors:      append([]int{http.StatusUnprocessableEntity}, taskErrors...),
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RequestReview(ctx, input.ID, actorID)
		if err != nil {
			se := handleError(err)
			if ae, ok := se.(*apiError); ok && res.Report.ID != "" {
				ae.Body.Details["report"] = res.Report
			}
			return nil, se
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Accept a reviewed task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return taskResult(e.Complete(ctx, input.ID, actorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/fail",
		Summary:     "Fail a task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body FailTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return taskResult(e.Fail(ctx, input.ID, input.Body.Reason, actorID))
	})
}

func registerFeedback(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-feedback",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/feedback",
		Summary:     "Add review feedback",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AddFeedbackRequest `json:"body"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return taskResult(e.AddFeedback(ctx, engine.FeedbackOptions{
			TaskID:        input.ID,
			Text:          input.Body.Text,
			ActorID:       actorID,
			Informational: input.Body.Informational,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-feedback",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/feedback/{seq}/resolve",
		Summary:     "Resolve a feedback entry",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Seq  int                     `path:"seq" minimum:"1"`
		Body *ResolveFeedbackRequest `json:"body" required:"false"`
	}) (*taskOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		note := ""
		if input.Body != nil {
			note = input.Body.Note
		}
		return taskResult(e.ResolveFeedback(ctx, input.ID, input.Seq, note, actorID))
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-phase",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/phase",
		Summary:     "Certify and record a TDD phase",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body RecordPhaseRequest `json:"body"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := domain.ParsePhase(input.Body.Phase)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "phase"})
		}
		res, err := e.RecordPhase(ctx, input.ID, p, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-phase",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/phase/reset",
		Summary:     "Start a new red-green-refactor cycle",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.PhaseEvidence `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.ResetCycle(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseEvidence `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "phase-status",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/phase",
		Summary:     "Current phase and allowed next phases",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body PhaseStatusResponse `json:"body"`
	}, error) {
		view, err := e.PhaseStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseStatusResponse `json:"body"`
		}{Body: view}, nil
	})
}

func registerChecks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-checks",
		Method:      http.MethodPost,
		Path:        "/checks/{mode}",
		Summary:     "Run a check battery without a transition",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Mode   string `path:"mode" enum:"quick,full"`
		TaskID string `query:"task_id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		mode, err := checks.ParseMode(input.Mode)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		rep, err := e.RunChecks(ctx, mode, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: rep}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events after a cursor",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
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
		items, err := e.Events(ctx, events.Query{TaskID: input.TaskID, Type: input.Type, AfterID: cursorID, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
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
