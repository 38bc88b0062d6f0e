package server

import (
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

	"desitarget/internal/bitmask"
	"desitarget/internal/engine"
	"desitarget/internal/logging"
	"desitarget/internal/obsstate"
	"desitarget/internal/repo"
	"desitarget/internal/rules"
)

// Config for the HTTP API handler.
type Config struct {
	Engines *Engines
	// Repo serves the ledger endpoints; they are omitted when nil.
	Repo     *repo.Repo
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_bit"`
	Message string         `json:"message" example:"desi_mask has no bit named NOPE"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"mask\":\"desi_mask\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the desitarget API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engines == nil {
		return nil, errors.New("server: engines required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := logging.OrNop(cfg.Logger)
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request; 422 is
			// reserved for lookups that find no applicable bit.
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
	hcfg := huma.DefaultConfig("desitarget API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath, cfg.Auth.enabled())
	registerHealth(group)
	registerSurveys(group, cfg.Engines)
	registerMasks(group, cfg.Engines)
	registerLookups(group, cfg.Engines)
	if cfg.Repo != nil {
		registerTargets(group, *cfg.Repo)
		registerRuns(group, *cfg.Repo)
		registerEvents(group, *cfg.Repo)
	}
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)))
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var us UnknownSurveyError
	if errors.As(err, &us) {
		return newAPIError(http.StatusNotFound, "unknown_survey", err.Error(), map[string]any{"survey": us.Survey})
	}
	var um bitmask.UnknownMaskError
	if errors.As(err, &um) {
		return newAPIError(http.StatusNotFound, "unknown_mask", err.Error(), map[string]any{"mask": um.Mask})
	}
	var ub bitmask.UnknownBitError
	if errors.As(err, &ub) {
		return newAPIError(http.StatusNotFound, "unknown_bit", err.Error(), map[string]any{"mask": ub.Mask, "bit": ub.Bit})
	}
	var na engine.NoApplicableBitError
	if errors.As(err, &na) {
		return newAPIError(http.StatusUnprocessableEntity, "no_applicable_bit", err.Error(), map[string]any{"quantity": na.Quantity, "bits": na.Bits})
	}
	var ce bitmask.ConfigError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusInternalServerError, "config_error", err.Error(), map[string]any{"mask": ce.Mask})
	}
	var cyc rules.CyclicAliasError
	if errors.As(err, &cyc) {
		return newAPIError(http.StatusInternalServerError, "config_error", err.Error(), map[string]any{"chain": cyc.Chain})
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
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "unprocessable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func badRequest(msg string, details map[string]any) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
}

func registerDocs(r chi.Router, basePath string, withAuth bool) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath, withAuth))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, withAuth bool) {
	var once sync.Once
	var doc []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if withAuth {
				applyAuthSecurity(oas, basePath)
			}
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
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

func swaggerHTML(basePath string, withAuth bool) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	note := ""
	if withAuth {
		note = `<p style="padding: 1rem; font-family: sans-serif; color: #444;">Authenticate with Authorization: Bearer &lt;token&gt;.</p>`
	}
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>desitarget API Docs</title>
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
    %s
  </body>
</html>`, specURL, note)
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

type surveyPath struct {
	Survey string `path:"survey" example:"main"`
}

func registerSurveys(api huma.API, engines *Engines) {
	huma.Register(api, huma.Operation{
		OperationID: "list-surveys",
		Method:      http.MethodGet,
		Path:        "/surveys",
		Summary:     "List surveys with a mask document",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SurveyResponse `json:"body"`
	}, error) {
		served := engines.ServedSurvey()
		out := []SurveyResponse{}
		for _, sv := range engines.Surveys() {
			cols, err := bitmask.SurveyColumns(sv)
			if err != nil {
				return nil, handleError(err)
			}
			out = append(out, SurveyResponse{Survey: sv, Served: sv == served, Columns: cols})
		}
		return &struct {
			Body []SurveyResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerMasks(api huma.API, engines *Engines) {
	huma.Register(api, huma.Operation{
		OperationID: "list-masks",
		Method:      http.MethodGet,
		Path:        "/surveys/{survey}/masks",
		Summary:     "List the masks of a survey",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *surveyPath) (*struct {
		Body []MaskSummaryResponse `json:"body"`
	}, error) {
		eng, err := engines.Engine(input.Survey)
		if err != nil {
			return nil, handleError(err)
		}
		out := []MaskSummaryResponse{}
		for _, name := range eng.Registry.Masks() {
			m, err := eng.Registry.Mask(name)
			if err != nil {
				return nil, handleError(err)
			}
			out = append(out, MaskSummaryResponse{Name: name, Bits: m.Len()})
		}
		return &struct {
			Body []MaskSummaryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mask",
		Method:      http.MethodGet,
		Path:        "/surveys/{survey}/masks/{mask}",
		Summary:     "Show a mask with its resolved rules",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Survey string `path:"survey"`
		Mask   string `path:"mask"`
	}) (*struct {
		Body MaskResponse `json:"body"`
	}, error) {
		eng, err := engines.Engine(input.Survey)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := eng.Registry.Mask(input.Mask)
		if err != nil {
			return nil, handleError(err)
		}
		resp := MaskResponse{Name: m.Name(), Bits: []BitResponse{}}
		for _, def := range m.Bits() {
			b, err := bitResponse(eng, m.Name(), def)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Bits = append(resp.Bits, b)
		}
		return &struct {
			Body MaskResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bit",
		Method:      http.MethodGet,
		Path:        "/surveys/{survey}/masks/{mask}/bits/{bit}",
		Summary:     "Show one bit with its resolved rules",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Survey string `path:"survey"`
		Mask   string `path:"mask"`
		Bit    string `path:"bit"`
	}) (*struct {
		Body BitResponse `json:"body"`
	}, error) {
		eng, err := engines.Engine(input.Survey)
		if err != nil {
			return nil, handleError(err)
		}
		def, err := eng.Registry.Lookup(input.Mask, input.Bit)
		if err != nil {
			return nil, handleError(err)
		}
		b, err := bitResponse(eng, input.Mask, def)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BitResponse `json:"body"`
		}{Body: b}, nil
	})
}

func parseState(name string, fallback obsstate.State) (obsstate.State, error) {
	if name == "" {
		return fallback, nil
	}
	return obsstate.Parse(name)
}

func registerLookups(api huma.API, engines *Engines) {
	huma.Register(api, huma.Operation{
		OperationID: "priority",
		Method:      http.MethodPost,
		Path:        "/surveys/{survey}/priority",
		Summary:     "Combined priority of a set of bits",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Survey string `path:"survey"`
		Body   PriorityRequest
	}) (*struct {
		Body PriorityResponse `json:"body"`
	}, error) {
		eng, err := engines.Engine(input.Survey)
		if err != nil {
			return nil, handleError(err)
		}
		def, err := parseState(input.Body.State, obsstate.Unobs)
		if err != nil {
			return nil, badRequest(err.Error(), map[string]any{"state": input.Body.State})
		}
		contribs := make([]engine.Contribution, 0, len(input.Body.Bits))
		for _, b := range input.Body.Bits {
			st, err := parseState(b.State, def)
			if err != nil {
				return nil, badRequest(err.Error(), map[string]any{"state": b.State})
			}
			contribs = append(contribs, engine.Contribution{BitRef: engine.BitRef{Mask: b.Mask, Bit: b.Bit}, State: st})
		}
		p, err := eng.Priority(contribs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PriorityResponse `json:"body"`
		}{Body: PriorityResponse{Survey: eng.Survey(), Priority: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "numobs",
		Method:      http.MethodPost,
		Path:        "/surveys/{survey}/numobs",
		Summary:     "Number of observations requested for a set of bits",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Survey string `path:"survey"`
		Body   NumObsRequest
	}) (*struct {
		Body NumObsResponse `json:"body"`
	}, error) {
		eng, err := engines.Engine(input.Survey)
		if err != nil {
			return nil, handleError(err)
		}
		refs := make([]engine.BitRef, 0, len(input.Body.Bits))
		for _, b := range input.Body.Bits {
			refs = append(refs, engine.BitRef{Mask: b.Mask, Bit: b.Bit})
		}
		n, err := eng.NumObs(refs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NumObsResponse `json:"body"`
		}{Body: NumObsResponse{Survey: eng.Survey(), NumObs: n}}, nil
	})
}

func registerTargets(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "get-target",
		Method:      http.MethodGet,
		Path:        "/targets/{targetid}",
		Summary:     "Get a finalized target",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TargetID string `path:"targetid" example:"39627835576420141"`
	}) (*struct {
		Body TargetResponse `json:"body"`
	}, error) {
		id, err := strconv.ParseUint(input.TargetID, 10, 64)
		if err != nil {
			return nil, badRequest("invalid targetid", map[string]any{"targetid": input.TargetID})
		}
		rec, err := r.GetTarget(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TargetResponse `json:"body"`
		}{Body: targetResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-targets",
		Method:      http.MethodGet,
		Path:        "/targets",
		Summary:     "List finalized targets",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Survey      string `query:"survey"`
		RunID       string `query:"run_id"`
		MinPriority string `query:"min_priority"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TargetResponse `json:"body"`
	}, error) {
		f := repo.TargetFilters{Survey: input.Survey, RunID: input.RunID, Limit: normalizeLimit(input.Limit)}
		if input.MinPriority != "" {
			v, err := strconv.Atoi(input.MinPriority)
			if err != nil {
				return nil, badRequest("invalid min_priority", map[string]any{"min_priority": input.MinPriority})
			}
			f.MinPriority = &v
		}
		items, err := r.ListTargets(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TargetResponse, 0, len(items))
		for _, rec := range items {
			out = append(out, targetResponse(rec))
		}
		return &struct {
			Body []TargetResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerRuns(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List batch runs, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		items, err := r.ListRuns(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RunResponse, 0, len(items))
		for _, run := range items {
			out = append(out, runResponse(run))
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a batch run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := r.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RunID  string `query:"run_id"`
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
				return nil, badRequest("invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := r.LatestEventsFrom(ctx, limit+1, cursorID, input.RunID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
