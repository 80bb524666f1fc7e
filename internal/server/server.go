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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dispatchline/internal/app"
	"dispatchline/internal/bulk"
	"dispatchline/internal/engine"
	"dispatchline/internal/engine/auth"
	"dispatchline/internal/live"
	"dispatchline/internal/notify"
	"dispatchline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Bulk     *bulk.Coordinator
	Notify   *notify.Dispatcher
	Sessions live.Registry
	Tokens   auth.Tokens
	BasePath string
	// DevLogin exposes POST /auth/dev/login.
	DevLogin       bool
	AllowedOrigins []string
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	// Metrics is served at MetricsPath when set.
	Metrics     prometheus.Gatherer
	MetricsPath string
	Logger      zerolog.Logger
}

// ConfigFromApp derives the handler config from a wired App.
func ConfigFromApp(a *app.App) Config {
	cfg := Config{
		Engine:         a.Engine,
		Bulk:           a.Bulk,
		Notify:         a.Notify,
		Sessions:       a.Sessions,
		Tokens:         a.Tokens,
		BasePath:       a.Config.Server.BasePath,
		DevLogin:       a.Config.Auth.DevLogin,
		AllowedOrigins: a.Config.Server.AllowedOrigins,
		SendBuffer:     a.Config.Live.SendBuffer,
		WriteTimeout:   a.Config.WriteTimeout(),
		PingInterval:   a.Config.PingInterval(),
		Logger:         a.Logger.With().Str("component", "http").Logger(),
	}
	if a.Config.Metrics.Enabled {
		cfg.Metrics = a.Registry
		cfg.MetricsPath = a.Config.Metrics.Path
	}
	return cfg
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition draft -> confirmed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"draft\",\"to\":\"confirmed\"}"`
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

type output[T any] struct {
	Body T
}

func reply[T any](v T) *output[T] { return &output[T]{Body: v} }

type handlers struct {
	cfg    Config
	repo   repo.Repo
	authn  authenticator
	logger zerolog.Logger
}

// New returns an HTTP handler exposing the dispatchline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
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
			// Schema/request validation errors are 400 bad_request; 422 is
			// reserved for unmet business preconditions.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	h := &handlers{
		cfg:    cfg,
		repo:   cfg.Engine.Repo,
		authn:  authenticator{tokens: cfg.Tokens, repo: cfg.Engine.Repo},
		logger: cfg.Logger,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer, h.accessLog)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	public := []string{"ws", "openapi.json"}
	if cfg.DevLogin {
		public = append(public, "auth/dev/login")
	}
	router.Use(newAuthMiddleware(basePath, h.authn, public...))

	hcfg := huma.DefaultConfig("Dispatchline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	h.registerMissions(group)
	h.registerTransitions(group)
	h.registerBulk(group)
	h.registerActors(group)
	h.registerMe(group)
	h.registerNotifications(group)
	h.registerEvents(group)
	h.registerSessions(group)
	h.registerAPIKeys(group)
	if cfg.DevLogin {
		h.registerDevAuth(group)
	}
	registerOpenAPI(router, api, basePath)

	if cfg.Sessions != nil {
		router.Handle(path.Join(basePath, "ws"), h.liveHandler())
	}
	if cfg.Metrics != nil {
		metricsPath := cfg.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		router.Handle(metricsPath, promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}
	return router, nil
}

func (h *handlers) liveHandler() *live.Handler {
	lh := &live.Handler{
		Registry:     h.cfg.Sessions,
		Authenticate: h.authn.request,
		Logger:       h.logger,
		SendBuffer:   h.cfg.SendBuffer,
		WriteTimeout: h.cfg.WriteTimeout,
		PingInterval: h.cfg.PingInterval,
	}
	if origins := h.cfg.AllowedOrigins; len(origins) > 0 {
		lh.Upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			for _, o := range origins {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		}
	}
	return lh
}

func (h *handlers) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
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

// handleError maps the engine's rejection taxonomy and push failures onto the
// error envelope. Anything unclassified is an internal error.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch engine.Code(err) {
	case "not_found":
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case "forbidden":
		var fe auth.ForbiddenError
		errors.As(err, &fe)
		return newAPIError(http.StatusForbidden, "forbidden", msg, map[string]any{"action": fe.Action})
	case "invalid_transition":
		var ie engine.InvalidTransitionError
		errors.As(err, &ie)
		return newAPIError(http.StatusConflict, "invalid_transition", msg, map[string]any{"from": ie.From, "to": ie.To})
	case "precondition_failed":
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", msg, nil)
	case "bad_request":
		var ve engine.ValidationError
		errors.As(err, &ve)
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
	}
	if errors.Is(err, notify.ErrNoTokenRegistered) {
		return newAPIError(http.StatusNotFound, "no_token_registered", msg, nil)
	}
	var de notify.DeliveryFailedError
	if errors.As(err, &de) {
		return newAPIError(http.StatusBadGateway, "delivery_failed", msg, map[string]any{"actor_id": de.ActorID, "reason": de.Reason})
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusUnprocessableEntity:
		return "precondition_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	page := docsPage(basePath)
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

// registerOpenAPI serves the generated document once decorated with the
// error envelope and the two credential schemes.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateOpenAPI(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func decorateOpenAPI(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	secured := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = secured

	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	envelope := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = envelope
			if public[route] {
				op.Security = []map[string][]string{}
			} else {
				op.Security = secured
			}
		}
	}
}

func docsPage(basePath string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>Dispatchline API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<p style="font-family:sans-serif;margin:1rem">Mission board API. Send Authorization: Bearer &lt;token&gt; or X-Api-Key. Live events: %s/ws?token=&lt;token&gt;.</p>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>window.onload = () => SwaggerUIBundle({url: '%s', dom_id: '#swagger-ui'});</script>
</body>
</html>`, path.Join("/", basePath), path.Join("/", basePath, "openapi.json"))
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
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
