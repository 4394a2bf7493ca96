package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"teamplan/internal/bot"
	"teamplan/internal/domain"
	"teamplan/internal/engine"
	"teamplan/internal/notify"
	"teamplan/internal/repo"
	"teamplan/internal/telegram"
)

// Config for the HTTP handler.
type Config struct {
	Engine        engine.Engine
	Router        *bot.Router
	Notify        notify.Notifier
	BasePath      string
	WebhookSecret string
	Hardened      bool
	Auth          AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"account 3 is active"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the HTTP handler serving the webhook and the admin API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Teamplan API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerWebhook(group, cfg)
	registerAccounts(group, cfg)
	registerTasks(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerFiles(group, cfg.Engine)
	registerStats(group, cfg.Engine)

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
	var forbidden engine.ForbiddenError
	if errors.As(err, &forbidden) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": forbidden.Action})
	}
	var invalidState engine.InvalidStateError
	if errors.As(err, &invalidState) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"account_id": invalidState.AccountID,
			"status":     invalidState.Status,
		})
	}
	var invalidRole engine.InvalidRoleError
	if errors.As(err, &invalidRole) {
		return newAPIError(http.StatusBadRequest, "invalid_role", err.Error(), map[string]any{"role": invalidRole.Role})
	}
	var invalidArg engine.InvalidArgumentError
	if errors.As(err, &invalidArg) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var upstream engine.UpstreamError
	if errors.As(err, &upstream) {
		return newAPIError(http.StatusBadGateway, "upstream_failure", err.Error(), map[string]any{"op": upstream.Op})
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
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

// registerWebhook exposes the inbound update endpoint. The endpoint always
// acknowledges with {"ok":true} so the platform does not retry updates that
// fail inside the bot; the only exception is a secret mismatch in hardened
// mode, which is rejected before any processing.
func registerWebhook(api huma.API, cfg Config) {
	type webhookOutput struct {
		Body struct {
			OK bool `json:"ok"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID:      "webhook",
		Method:           http.MethodPost,
		Path:             "/webhook",
		Summary:          "Inbound chat updates",
		SkipValidateBody: true,
		Errors:           []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Signature string `header:"X-Signature-Secret"`
		RawBody   []byte
	}) (*webhookOutput, error) {
		if cfg.Hardened && subtle.ConstantTimeCompare([]byte(input.Signature), []byte(cfg.WebhookSecret)) != 1 {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_signature", "signature mismatch", nil)
		}
		var u telegram.Update
		if err := json.Unmarshal(input.RawBody, &u); err != nil {
			log.Printf("server: webhook: unparseable update: %v", err)
		} else {
			cfg.Router.Route(ctx, u)
		}
		out := &webhookOutput{}
		out.Body.OK = true
		return out, nil
	})
}

// notifyDecision tells the affected account about an approval or rejection.
// The decision is already committed; delivery failures are only logged.
func notifyDecision(ctx context.Context, n notify.Notifier, a domain.Account, text string) {
	if n.Transport == nil {
		return
	}
	if err := n.Send(ctx, a, text); err != nil {
		log.Printf("server: notify account %d: %v", a.ID, err)
	}
}

func registerAccounts(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/accounts",
		Summary:     "List accounts",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,active,inactive" required:"false"`
		Role   string `query:"role" enum:"manager,technician,commercial,other" required:"false"`
		Limit  int    `query:"limit" required:"false"`
	}) (*struct {
		Body AccountListResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e); authErr != nil {
			return nil, authErr
		}
		accounts, err := e.Repo.ListAccounts(ctx, repo.AccountFilters{
			Status: input.Status,
			Role:   input.Role,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountListResponse `json:"body"`
		}{Body: AccountListResponse{Accounts: accounts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}",
		Summary:     "Get account",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e); authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetAccount(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-account",
		Method:      http.MethodPost,
		Path:        "/accounts/{id}/approve",
		Summary:     "Approve a pending account",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body struct {
			Role string `json:"role" enum:"manager,technician,commercial,other"`
		} `json:"body"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Approve(ctx, actor, input.ID, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		notifyDecision(ctx, cfg.Notify, a,
			fmt.Sprintf("Your account was approved. You are now active as %s.", a.Role))
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-account",
		Method:      http.MethodPost,
		Path:        "/accounts/{id}/reject",
		Summary:     "Reject a pending account",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body struct {
			Reason string `json:"reason,omitempty" required:"false"`
		} `json:"body"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Reject(ctx, actor, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		notifyDecision(ctx, cfg.Notify, a, "Your registration was declined.")
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: a}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"to_do,in_progress,pending,blocked,completed" required:"false"`
		AccountID int64  `query:"account_id" required:"false"`
		Limit     int    `query:"limit" required:"false"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e); authErr != nil {
			return nil, authErr
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			Status:    input.Status,
			AccountID: input.AccountID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Tasks: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{code}",
		Summary:     "Get task by code",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Code string `path:"code"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTaskByCode(ctx, input.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "List activity log entries",
	}, func(ctx context.Context, input *struct {
		AccountID int64  `query:"account_id" required:"false"`
		TaskID    int64  `query:"task_id" required:"false"`
		Kind      string `query:"kind" required:"false"`
		Limit     int    `query:"limit" required:"false"`
		Before    int64  `query:"before" required:"false"`
	}) (*struct {
		Body ActivityListResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		entries, err := e.Repo.ListActivity(ctx, repo.ActivityFilters{
			AccountID: input.AccountID,
			TaskID:    input.TaskID,
			Kind:      input.Kind,
			Limit:     limit,
			Before:    input.Before,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityListResponse `json:"body"`
		}{Body: ActivityListResponse{Entries: entries}}, nil
	})
}

func registerFiles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-files",
		Method:      http.MethodGet,
		Path:        "/files",
		Summary:     "List stored files",
	}, func(ctx context.Context, input *struct {
		AccountID int64 `query:"account_id" required:"false"`
		TaskID    int64 `query:"task_id" required:"false"`
		Limit     int   `query:"limit" required:"false"`
	}) (*struct {
		Body FileListResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e); authErr != nil {
			return nil, authErr
		}
		files, err := e.Repo.ListFiles(ctx, repo.FileFilters{
			AccountID: input.AccountID,
			TaskID:    input.TaskID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FileListResponse `json:"body"`
		}{Body: FileListResponse{Files: files}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tag-file",
		Method:      http.MethodPatch,
		Path:        "/files/{id}/tag",
		Summary:     "Set a file's classification tag",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body struct {
			Tag string `json:"tag"`
		} `json:"body"`
	}) (*struct {
		Body domain.FileRecord `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.SetFileTag(ctx, input.ID, input.Body.Tag); err != nil {
			return nil, handleError(err)
		}
		f, err := e.Repo.GetFile(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FileRecord `json:"body"`
		}{Body: f}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Task and activity counts",
	}, func(ctx context.Context, input *struct {
		AccountID int64 `query:"account_id" required:"false"`
	}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx, e); authErr != nil {
			return nil, authErr
		}
		tasks, err := e.Repo.CountTasksByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.CountActivity(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: StatsResponse{Tasks: tasks, ActivityEntries: entries}}, nil
	})
}
