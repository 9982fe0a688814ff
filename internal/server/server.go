package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/repo"
	"escrowline/internal/rules"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"milestone not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Escrowline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Escrowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerDevAuth(group, cfg.Auth, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerProfiles(group, cfg.Engine)
	registerEvaluate(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerDecisions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
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
	if se, ok := err.(huma.StatusError); ok {
		return se
	}
	if errors.Is(err, engine.ErrDataMissing) {
		return newAPIError(http.StatusNotFound, "data_missing", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"), strings.Contains(lowered, "not disputed"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must"):
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
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
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Escrowline API Docs</title>
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

func registerDevAuth(api huma.API, auth AuthConfig, e engine.Engine) {
	type devLoginBody struct {
		ActorID string `json:"actor_id" minLength:"1"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a development JWT",
	}, func(ctx context.Context, input *struct {
		Body devLoginBody
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if !auth.AllowDevLogin {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login disabled", nil)
		}
		token, err := issueDevToken(input.Body.ActorID, auth.JWTSecret, 24*time.Hour, e.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "project-list",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	type projectCreateBody struct {
		ID           string  `json:"id" minLength:"1"`
		ClientID     string  `json:"client_id" minLength:"1"`
		FreelancerID string  `json:"freelancer_id" minLength:"1"`
		RuleVersion  string  `json:"rule_version,omitempty"`
		EscrowAmount float64 `json:"escrow_amount,omitempty"`
		Budget       float64 `json:"budget,omitempty"`
		Description  string  `json:"description,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "project-create",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body projectCreateBody
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProject(ctx, domain.Project{
			ID:           input.Body.ID,
			ClientID:     input.Body.ClientID,
			FreelancerID: input.Body.FreelancerID,
			RuleVersion:  input.Body.RuleVersion,
			EscrowAmount: input.Body.EscrowAmount,
			Budget:       input.Body.Budget,
			Description:  input.Body.Description,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	type projectPath struct {
		ProjectID string `path:"project_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "project-get",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project milestone counts",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountMilestonesByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":   p.ID,
			"status":       p.Status,
			"rule_version": p.RuleVersion,
			"milestones":   counts,
		}}, nil
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	type projectPath struct {
		ProjectID string `path:"project_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "milestone-list",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/milestones",
		Summary:     "List milestones",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Milestone `json:"body"`
	}, error) {
		items, err := e.Repo.ListMilestones(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Milestone `json:"body"`
		}{Body: items}, nil
	})

	type milestoneCreateBody struct {
		Title        string  `json:"title" minLength:"1"`
		Amount       float64 `json:"amount" minimum:"0"`
		DueAt        string  `json:"due_at" format:"date-time"`
		FreelancerID string  `json:"freelancer_id,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "milestone-create",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/milestones",
		Summary:       "Create milestone",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      milestoneCreateBody
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CreateMilestone(ctx, engine.MilestoneCreateOptions{
			ProjectID:    input.ProjectID,
			FreelancerID: input.Body.FreelancerID,
			Title:        input.Body.Title,
			Amount:       input.Body.Amount,
			DueAt:        input.Body.DueAt,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	type milestonePath struct {
		MilestoneID string `path:"milestone_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "milestone-get",
		Method:      http.MethodGet,
		Path:        "/milestones/{milestone_id}",
		Summary:     "Get milestone",
	}, func(ctx context.Context, input *milestonePath) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		m, err := e.Repo.GetMilestone(ctx, input.MilestoneID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	type submitBody struct {
		SubmissionRef string `json:"submission_ref" minLength:"1"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "milestone-submit",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/submit",
		Summary:     "Submit deliverable",
	}, func(ctx context.Context, input *struct {
		MilestoneID string `path:"milestone_id"`
		Body        submitBody
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SubmitWork(ctx, input.MilestoneID, input.Body.SubmissionRef, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	type disputeBody struct {
		Reason string `json:"reason,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "milestone-dispute",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/dispute",
		Summary:     "Open dispute",
	}, func(ctx context.Context, input *struct {
		MilestoneID string `path:"milestone_id"`
		Body        disputeBody
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.OpenDispute(ctx, input.MilestoneID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	type resolveBody struct {
		Resolution string `json:"resolution,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "milestone-dispute-resolve",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/dispute/resolve",
		Summary:     "Resolve dispute",
	}, func(ctx context.Context, input *struct {
		MilestoneID string `path:"milestone_id"`
		Body        resolveBody
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ResolveDispute(ctx, input.MilestoneID, input.Body.Resolution, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	type applyBody struct {
		Action string `json:"action" enum:"PENDING,RELEASE,HOLD,DISPUTE"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "milestone-apply-decision",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/apply",
		Summary:     "Apply a decision's status transition",
	}, func(ctx context.Context, input *struct {
		MilestoneID string `path:"milestone_id"`
		Body        applyBody
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ApplyDecision(ctx, input.MilestoneID, input.Body.Action, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})
}

func registerProfiles(api huma.API, e engine.Engine) {
	type profilePath struct {
		FreelancerID string `path:"freelancer_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "profile-get",
		Method:      http.MethodGet,
		Path:        "/profiles/{freelancer_id}",
		Summary:     "Get freelancer profile",
	}, func(ctx context.Context, input *profilePath) (*struct {
		Body domain.Profile `json:"body"`
	}, error) {
		p, err := e.Repo.GetProfile(ctx, input.FreelancerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Profile `json:"body"`
		}{Body: p}, nil
	})

	type profileBody struct {
		TrustScore int `json:"trust_score" minimum:"0" maximum:"100"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "profile-put",
		Method:      http.MethodPut,
		Path:        "/profiles/{freelancer_id}",
		Summary:     "Set freelancer trust score",
	}, func(ctx context.Context, input *struct {
		FreelancerID string `path:"freelancer_id"`
		Body         profileBody
	}) (*struct {
		Body domain.Profile `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpsertProfile(ctx, input.FreelancerID, input.Body.TrustScore, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Profile `json:"body"`
		}{Body: p}, nil
	})
}

func registerEvaluate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "milestone-evaluate",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/milestones/{milestone_id}/evaluate",
		Summary:     "Evaluate a milestone for fund release",
		Description: "Logs a decision request, scores the milestone against live records and appends an immutable decision. The caller executes the actual fund transfer only when action is RELEASE.",
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		MilestoneID string `path:"milestone_id"`
	}) (*struct {
		Body engine.Evaluation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.Evaluate(ctx, engine.EvaluateOptions{
			MilestoneID: input.MilestoneID,
			ProjectID:   input.ProjectID,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Evaluation `json:"body"`
		}{Body: ev}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "rules-evaluate",
		Method:      http.MethodPost,
		Path:        "/rules/evaluate",
		Summary:     "Run the pure rule evaluator",
		Description: "Stateless what-if check; nothing is logged.",
	}, func(ctx context.Context, input *struct {
		Body rules.Inputs
	}) (*struct {
		Body rules.Outcome `json:"body"`
	}, error) {
		in := input.Body
		if in.Settings == (rules.Settings{}) {
			projectID := ""
			if e.Config != nil {
				projectID = e.Config.Project.ID
			}
			rs, err := e.ProjectRuleSettings(ctx, projectID)
			if err != nil {
				return nil, handleError(err)
			}
			in.Settings = rules.Settings{
				MinSentiment:    rs.MinSentiment,
				AutoReleaseDays: rs.AutoReleaseDays,
			}
		}
		return &struct {
			Body rules.Outcome `json:"body"`
		}{Body: rules.Evaluate(in)}, nil
	})
}

func registerDecisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "decision-list",
		Method:      http.MethodGet,
		Path:        "/decisions",
		Summary:     "List decisions",
	}, func(ctx context.Context, input *struct {
		MilestoneID string `query:"milestone_id"`
		Limit       int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Decision `json:"body"`
	}, error) {
		items, err := e.Repo.ListDecisions(ctx, input.MilestoneID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Decision `json:"body"`
		}{Body: items}, nil
	})

	type decisionPath struct {
		DecisionID string `path:"decision_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "decision-get",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}",
		Summary:     "Get decision",
	}, func(ctx context.Context, input *decisionPath) (*struct {
		Body domain.Decision `json:"body"`
	}, error) {
		d, err := e.Repo.GetDecision(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Decision `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decision-verify",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}/verify",
		Summary:     "Verify a decision hash",
	}, func(ctx context.Context, input *decisionPath) (*struct {
		Body engine.Verification `json:"body"`
	}, error) {
		v, err := e.VerifyDecision(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Verification `json:"body"`
		}{Body: v}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "event-list",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event log",
	}, func(ctx context.Context, input *struct {
		ProjectID   string `query:"project_id"`
		Type        string `query:"type"`
		MilestoneID string `query:"milestone_id"`
		N           int    `query:"n" default:"20" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.N, input.ProjectID, input.Type, input.MilestoneID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	type keyCreateBody struct {
		ActorID string `json:"actor_id" minLength:"1"`
		Name    string `json:"name,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "apikey-create",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body keyCreateBody
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		secret := uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(secret),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"id": key.ID, "key": secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apikey-list",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "apikey-delete",
		Method:        http.MethodDelete,
		Path:          "/apikeys/{key_id}",
		Summary:       "Delete API key",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
