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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"seopilot/internal/domain"
	"seopilot/internal/engine"
	"seopilot/internal/engine/auth"
	"seopilot/internal/quota"
	"seopilot/internal/report"
	"seopilot/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
	// StreamPoll is how often the event stream checks for new events.
	StreamPoll time.Duration
	// StreamOrigins lists cross-origin hosts allowed to open the event stream.
	StreamOrigins []string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"quota_exceeded"`
	Message string         `json:"message" example:"quota exceeded: plan free allows 10 automation runs per month"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"used\":10,\"limit\":10}"`
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

// New returns an HTTP handler exposing the seopilot API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Log.Named("auth")
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
	router.Use(middleware.Recoverer)
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
	hcfg := huma.DefaultConfig("seopilot API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerPages(group, cfg.Engine)
	registerAudits(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerFixes(group, cfg.Engine)
	registerQuota(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerEventStream(router, basePath, cfg.Engine, streamOptions{
		poll:    cfg.StreamPoll,
		origins: cfg.StreamOrigins,
		log:     cfg.Log.Named("stream"),
	})
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var qe *engine.QuotaExceededError
	if errors.As(err, &qe) {
		return newAPIError(http.StatusTooManyRequests, "quota_exceeded", err.Error(), decisionDetails(qe.Decision))
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"resource": fe.Resource, "id": fe.ID})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", msg, nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, engine.ErrGenerationFailed):
		return newAPIError(http.StatusBadGateway, "generation_failed", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func decisionDetails(d quota.Decision) map[string]any {
	return map[string]any{
		"reason": d.Reason,
		"used":   d.Used,
		"limit":  d.Limit,
		"period": d.Period,
		"plan":   d.Plan,
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "quota_exceeded"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// scopeProject authenticates the caller and checks the project belongs to its tenant.
func scopeProject(ctx context.Context, e engine.Engine, projectID string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if _, err := e.Auth.ProjectForTenant(ctx, principal.TenantID, projectID); err != nil {
		return Principal{}, err
	}
	return principal, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
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
	healthPath := path.Join("/", basePath, "health")
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
    <title>seopilot API Docs</title>
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

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		Description:   "A tenant seen for the first time starts on the configured default plan.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:       strPtrValue(input.Body.ID),
			TenantID: principal.TenantID,
			Name:     input.Body.Name,
			Domain:   input.Body.Domain,
			ActorID:  principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects of the caller's tenant",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListProjects(ctx, principal.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Auth.ProjectForTenant(ctx, principal.TenantID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerPages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-page",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/pages",
		Summary:       "Add a page to the inventory",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      AddPageRequest `json:"body"`
	}) (*struct {
		Body domain.Page `json:"body"`
	}, error) {
		principal, err := scopeProject(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		pg, err := e.AddPage(ctx, input.ProjectID, input.Body.URL, input.Body.Title, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Page `json:"body"`
		}{Body: pg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pages",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/pages",
		Summary:     "List pages",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Page `json:"body"`
	}, error) {
		if _, err := scopeProject(ctx, e, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListPages(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Page `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-page",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/pages/{page_id}",
		Summary:       "Delete a page; its audits keep running without it",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		PageID    string `path:"page_id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.PageInProject(ctx, principal.TenantID, input.ProjectID, input.PageID); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeletePage(ctx, input.PageID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type auditPath struct {
	ProjectID string `path:"project_id"`
	AuditID   string `path:"audit_id"`
}

func registerAudits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-audit",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/audits",
		Summary:       "Create a pending audit, consuming one automation run",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreateAuditRequest `json:"body"`
	}) (*struct {
		Body domain.Audit `json:"body"`
	}, error) {
		principal, err := scopeProject(ctx, e, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.CreateAudit(ctx, engine.AuditCreateOptions{
			ProjectID: input.ProjectID,
			Type:      input.Body.Type,
			PageID:    strPtrValue(input.Body.PageID),
			Trigger:   input.Body.Trigger,
			JobID:     strPtrValue(input.Body.JobID),
			ActorID:   principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Audit `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audits",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/audits",
		Summary:     "List audits, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type" enum:"pagespeed,seo,lighthouse"`
		Status    string `query:"status" enum:"pending,queued,running,completed,failed"`
		PageID    string `query:"page_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Audit `json:"body"`
	}, error) {
		if _, err := scopeProject(ctx, e, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListAudits(ctx, input.ProjectID, engine.AuditListOptions{
			Type:   input.Type,
			Status: input.Status,
			PageID: input.PageID,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Audit `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-audit",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/audits/{audit_id}",
		Summary:     "Get audit",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *auditPath) (*struct {
		Body domain.Audit `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Auth.AuditInProject(ctx, principal.TenantID, input.ProjectID, input.AuditID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Audit `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-audit",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/audits/{audit_id}",
		Summary:       "Delete an audit with its issues and fixes",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *auditPath) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.AuditInProject(ctx, principal.TenantID, input.ProjectID, input.AuditID); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteAudit(ctx, input.AuditID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-audit",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/audits/{audit_id}/run",
		Summary:     "Run a pending or queued audit",
		Description: "Runner failures are recorded on the audit, which is returned with status failed.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *auditPath) (*struct {
		Body domain.Audit `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.AuditInProject(ctx, principal.TenantID, input.ProjectID, input.AuditID); err != nil {
			return nil, handleError(err)
		}
		a, err := e.RunAudit(ctx, input.AuditID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Audit `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-audit",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/audits/{audit_id}/queue",
		Summary:     "Hand a pending audit to an external scheduler",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		AuditID   string            `path:"audit_id"`
		Body      QueueAuditRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.Audit `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.AuditInProject(ctx, principal.TenantID, input.ProjectID, input.AuditID); err != nil {
			return nil, handleError(err)
		}
		a, err := e.QueueAudit(ctx, input.AuditID, input.Body.JobID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Audit `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-report",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/audits/{audit_id}/report",
		Summary:     "Render the audit as a Markdown report",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *auditPath) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.AuditInProject(ctx, principal.TenantID, input.ProjectID, input.AuditID); err != nil {
			return nil, handleError(err)
		}
		r, err := e.AuditReport(ctx, input.AuditID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: ReportResponse{Audit: r.Audit, Markdown: report.Markdown(r)}}, nil
	})
}

type issuePath struct {
	ProjectID string `path:"project_id"`
	AuditID   string `path:"audit_id"`
	IssueID   string `path:"issue_id"`
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/audits/{audit_id}/issues",
		Summary:     "List issues, most severe first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		AuditID   string `path:"audit_id"`
		Status    string `query:"status" enum:"open,in_progress,resolved,ignored"`
		Severity  string `query:"severity" enum:"critical,high,medium,low,info"`
		Category  string `query:"category" enum:"performance,accessibility,seo,best_practices"`
	}) (*struct {
		Body []domain.Issue `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.AuditInProject(ctx, principal.TenantID, input.ProjectID, input.AuditID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListIssues(ctx, input.AuditID, engine.IssueListOptions{
			Status:   input.Status,
			Severity: input.Severity,
			Category: input.Category,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Issue `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/audits/{audit_id}/issues/{issue_id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *issuePath) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		is, err := e.Auth.IssueInProject(ctx, principal.TenantID, input.ProjectID, input.AuditID, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: is}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-issue",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/audits/{audit_id}/issues/{issue_id}",
		Summary:     "Change issue status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		AuditID   string             `path:"audit_id"`
		IssueID   string             `path:"issue_id"`
		Body      UpdateIssueRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.IssueInProject(ctx, principal.TenantID, input.ProjectID, input.AuditID, input.IssueID); err != nil {
			return nil, handleError(err)
		}
		is, err := e.SetIssueStatus(ctx, input.IssueID, input.Body.Status, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: is}, nil
	})
}

func registerFixes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-fix",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/audits/{audit_id}/issues/{issue_id}/fixes",
		Summary:       "Attach a fix to an issue",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		AuditID   string           `path:"audit_id"`
		IssueID   string           `path:"issue_id"`
		Body      CreateFixRequest `json:"body"`
	}) (*struct {
		Body domain.Fix `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.IssueInProject(ctx, principal.TenantID, input.ProjectID, input.AuditID, input.IssueID); err != nil {
			return nil, handleError(err)
		}
		actorID := principal.ActorID
		f, err := e.CreateFix(ctx, input.IssueID, input.Body.Provider, domain.Document(input.Body.Content), &actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Fix `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-fixes",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/audits/{audit_id}/issues/{issue_id}/fixes",
		Summary:     "List fixes in creation order",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *issuePath) (*struct {
		Body []domain.Fix `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.IssueInProject(ctx, principal.TenantID, input.ProjectID, input.AuditID, input.IssueID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListFixes(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Fix `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "generate-fix",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/audits/{audit_id}/issues/{issue_id}/fixes/generate",
		Summary:       "Generate a fix with an AI provider",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		AuditID   string             `path:"audit_id"`
		IssueID   string             `path:"issue_id"`
		Body      GenerateFixRequest `json:"body"`
	}) (*struct {
		Body domain.Fix `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Auth.IssueInProject(ctx, principal.TenantID, input.ProjectID, input.AuditID, input.IssueID); err != nil {
			return nil, handleError(err)
		}
		f, err := e.GenerateAiFix(ctx, input.IssueID, input.Body.Provider, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Fix `json:"body"`
		}{Body: f}, nil
	})
}

func registerQuota(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-quota",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/quota",
		Summary:     "Automation runs used this period",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body QuotaResponse `json:"body"`
	}, error) {
		if _, err := scopeProject(ctx, e, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		d, err := e.QuotaUsage(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuotaResponse `json:"body"`
		}{Body: QuotaResponse{ProjectID: input.ProjectID, Resource: quota.AutomationRun, Usage: d}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,page,audit,issue,fix,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := scopeProject(ctx, e, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
