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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"careerline/internal/config"
	"careerline/internal/engine"
	"careerline/internal/engine/auth"
	"careerline/internal/logging"
	"careerline/internal/metrics"
	"careerline/internal/repo"
	"careerline/internal/webhook"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// WebhookSecret verifies GitHub deliveries.
	WebhookSecret config.Secret
	// TaskToken must accompany every worker endpoint call when set.
	TaskToken config.Secret
	// WebhookRatePerMinute bounds deliveries per client IP; 0 disables it.
	WebhookRatePerMinute int
	Logger               *logging.Logger
}

// FromConfig fills a Config from the process configuration.
func FromConfig(e engine.Engine, cfg *config.Config, logger *logging.Logger) Config {
	return Config{
		Engine:   e,
		BasePath: cfg.Server.BasePath,
		Auth: AuthConfig{
			JWTSecret:              cfg.Auth.JWTSecret.Value(),
			AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
			Logger:                 logger,
		},
		WebhookSecret:        cfg.GitHub.WebhookSecret,
		TaskToken:            cfg.Queue.TaskToken,
		WebhookRatePerMinute: cfg.GitHub.RateLimitPerMinute,
		Logger:               logger,
	}
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"NOT_FOUND"`
	Message string         `json:"message" example:"AssetCard not found: 0c6f"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"exported\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// api carries what every handler needs.
type api struct {
	e      engine.Engine
	logger *logging.Logger
}

// New returns an HTTP handler exposing the careerline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("http")
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		code := ""
		if status == http.StatusUnprocessableEntity {
			// Schema violations are plain invalid input.
			status = http.StatusBadRequest
			code = "INVALID_INPUT"
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, code, msg, details)
	}

	s := &api{e: cfg.Engine, logger: logger}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	router.Handle("/metrics", metrics.Handler())
	registerGitHubWebhook(router, basePath, s, webhook.Verifier{Secret: cfg.WebhookSecret}, newIPLimiter(cfg.WebhookRatePerMinute))

	hcfg := huma.DefaultConfig("careerline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	hapi := humachi.New(router, hcfg)
	group := huma.NewGroup(hapi, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, s, cfg.TaskToken)
	registerAssets(group, s)
	registerIntents(group, s)
	registerApprovals(group, s)
	registerRuns(group, s)
	registerExceptions(group, s)
	registerEvidence(group, s)
	registerReports(group, s)
	registerRepositories(group, s)
	registerEvents(group, s)
	registerProvisioning(group, s)
	registerAPIKeys(group, s)
	registerOpenAPI(router, hapi, basePath)

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

// handleError maps engine errors onto the envelope. Anything unrecognized
// is logged and reported as an internal error without its cause.
func (s *api) handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var gate engine.GateError
	if errors.As(err, &gate) {
		return newAPIError(http.StatusForbidden, gate.Code, gate.Error(), nil)
	}
	var coded engine.CodedError
	if errors.As(err, &coded) {
		msg := coded.Message
		if msg == "" {
			msg = coded.Code
		}
		return newAPIError(codedStatus(coded.Code), coded.Code, msg, nil)
	}
	var nf engine.NotFoundError
	if errors.As(err, &nf) || errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "FORBIDDEN", err.Error(), nil)
	}
	if errors.Is(err, auth.ErrActorRequired) {
		return newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
	}
	var st engine.StateError
	if errors.As(err, &st) {
		var details map[string]any
		if st.Status != "" {
			details = map[string]any{"status": st.Status}
		}
		return newAPIError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), details)
	}
	var ie engine.InvalidInputError
	if errors.As(err, &ie) {
		var details map[string]any
		if ie.Field != "" {
			details = map[string]any{"field": ie.Field}
		}
		return newAPIError(http.StatusBadRequest, "INVALID_INPUT", err.Error(), details)
	}
	s.logger.Error(ctx, "request failed", zap.Error(err))
	return newAPIError(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "internal error", nil)
}

func codedStatus(code string) int {
	switch code {
	case engine.CodeIntentNotFound:
		return http.StatusNotFound
	case engine.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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

// applyAuthSecurity marks user routes as requiring a bearer token or API
// key. Health and worker routes authenticate differently.
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
	oas.Components.SecuritySchemes["taskToken"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Careerline-Task-Token",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			switch {
			case route == path.Join(basePath, "health"):
				op.Security = []map[string][]string{}
			case strings.HasPrefix(route, path.Join(basePath, "tasks")+"/"):
				op.Security = []map[string][]string{{"taskToken": {}}}
			default:
				op.Security = security
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
    <title>careerline API Docs</title>
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

// listOptions converts query parameters shared by paginated listings.
func listOptions(limit int, cursor, status string) engine.ListOptions {
	return engine.ListOptions{Limit: limit, Cursor: cursor, Status: status}
}
