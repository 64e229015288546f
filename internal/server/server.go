package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AkaFlex/Trade-Junco/internal/domain"
	"github.com/AkaFlex/Trade-Junco/internal/engine"
	"github.com/AkaFlex/Trade-Junco/internal/evidence"
	"github.com/AkaFlex/Trade-Junco/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Uploader evidence.Uploader
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"budget_exceeded"`
	Message string         `json:"message" example:"Estouro de Orçamento!"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope of every non-2xx response.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Trade Junco API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Trade Junco API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRequests(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerEvidence(group, cfg.Engine)
	registerBudgets(group, cfg.Engine)
	registerDashboard(group, cfg.Engine)
	registerSweep(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerUploads(router, basePath, cfg.Engine, cfg.Uploader)

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
	var be engine.BudgetExceededError
	if errors.As(err, &be) {
		return newAPIError(http.StatusConflict, "budget_exceeded", err.Error(), map[string]any{
			"limit":     be.Availability.Limit,
			"used":      be.Availability.Used,
			"requested": be.Availability.Requested,
			"remaining": be.Availability.Remaining,
		})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
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

// requireAdmin authorizes against the configured administrator
// allow-list.
func requireAdmin(ctx context.Context, e engine.Engine) (string, huma.StatusError) {
	email, authErr := actorEmailFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	if e.Config == nil || !e.Config.IsAdmin(email) {
		return "", newAPIError(http.StatusForbidden, "forbidden", "administrator access required", nil)
	}
	return email, nil
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

type RequestPath struct {
	RequestID string `path:"request_id"`
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit a trade action request",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		email, authErr := actorEmailFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rcaEmail := input.Body.RCAEmail
		if rcaEmail == "" {
			rcaEmail = email
		}
		t, err := e.CreateRequest(ctx, engine.RequestCreateOptions{
			RCAName:        input.Body.RCAName,
			RCAEmail:       rcaEmail,
			RCAPhone:       input.Body.RCAPhone,
			PartnerCode:    input.Body.PartnerCode,
			Region:         input.Body.Region,
			OrderDate:      input.Body.OrderDate,
			DateOfAction:   input.Body.DateOfAction,
			Days:           input.Body.Days,
			Justification:  input.Body.Justification,
			VolumeEligible: input.Body.VolumeEligible,
			ActorID:        email,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List trade requests",
	}, func(ctx context.Context, input *struct {
		RCAEmail    string `query:"rca_email"`
		PartnerCode string `query:"partner_code"`
		Status      string `query:"status"`
		Region      string `query:"region"`
	}) (*struct {
		Body []RequestResponse `json:"body"`
	}, error) {
		email, authErr := actorEmailFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.RequestFilters{
			RCAEmail:    input.RCAEmail,
			PartnerCode: input.PartnerCode,
			Status:      input.Status,
			Region:      input.Region,
		}
		if e.Config == nil || !e.Config.IsAdmin(email) {
			// Non-admins see their own requests, or run the promoter
			// search: approved requests of one partner.
			if f.PartnerCode != "" {
				f.Status = domain.StatusApproved
			} else {
				f.RCAEmail = email
			}
		}
		items, err := e.Repo.ListRequests(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RequestResponse `json:"body"`
		}{Body: requestResponses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Fetch one trade request",
	}, func(ctx context.Context, input *RequestPath) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if _, authErr := actorEmailFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(t)}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/approve",
		Summary:     "Approve a pending request against the regional budget",
	}, func(ctx context.Context, input *struct {
		RequestPath
		Force bool `query:"force" doc:"Approve even when the budget is exceeded"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		email, authErr := requireAdmin(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Approve(ctx, input.RequestID, email, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/reject",
		Summary:     "Reject a request with a reason",
	}, func(ctx context.Context, input *struct {
		RequestPath
		Body RejectBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		email, authErr := requireAdmin(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Reject(ctx, input.RequestID, input.Body.Reason, email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pay-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/pay",
		Summary:     "Settle a completed request",
	}, func(ctx context.Context, input *RequestPath) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		email, authErr := requireAdmin(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.MarkPaid(ctx, input.RequestID, email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-request-value",
		Method:      http.MethodPatch,
		Path:        "/requests/{request_id}/value",
		Summary:     "Overwrite the payout value",
	}, func(ctx context.Context, input *struct {
		RequestPath
		Body EditValueBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		email, authErr := requireAdmin(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.EditValue(ctx, input.RequestID, input.Body.TotalValue, email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/complete",
		Summary:     "Close execution and submit payout details",
	}, func(ctx context.Context, input *struct {
		RequestPath
		Body CompleteBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		email, authErr := actorEmailFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CompleteExecution(ctx, input.RequestID, engine.PixDetails{
			Key:    input.Body.PixKey,
			Holder: input.Body.PixHolder,
			CPF:    input.Body.PixCPF,
		}, email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(t)}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-report",
		Method:        http.MethodPost,
		Path:          "/requests/{request_id}/reports",
		Summary:       "Submit a daily sell-out report",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		RequestPath
		Body ReportBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		email, authErr := actorEmailFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SubmitReport(ctx, input.RequestID, domain.SalesReport{
			Date:       input.Body.Date,
			StoreName:  input.Body.StoreName,
			SellerName: input.Body.SellerName,
			Products:   input.Body.Products,
		}, email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(t)}, nil
	})
}

func registerEvidence(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "attach-evidence",
		Method:        http.MethodPost,
		Path:          "/requests/{request_id}/evidence",
		Summary:       "Attach hosted evidence URLs",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		RequestPath
		Body EvidenceBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		email, authErr := actorEmailFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AttachEvidence(ctx, input.RequestID, input.Body.Kind, input.Body.URLs, email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(t)}, nil
	})
}

func registerBudgets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-budget",
		Method:      http.MethodPut,
		Path:        "/budgets",
		Summary:     "Create or overwrite a regional monthly budget",
	}, func(ctx context.Context, input *struct {
		Body BudgetBody `json:"body"`
	}) (*struct {
		Body domain.RegionalBudget `json:"body"`
	}, error) {
		email, authErr := requireAdmin(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.SetBudget(ctx, input.Body.Region, input.Body.Month, input.Body.Limit, email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RegionalBudget `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-budgets",
		Method:      http.MethodGet,
		Path:        "/budgets",
		Summary:     "List budgets by month or year",
	}, func(ctx context.Context, input *struct {
		Month string `query:"month" example:"2023-10"`
		Year  string `query:"year" example:"2023"`
	}) (*struct {
		Body []domain.RegionalBudget `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, e); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListBudgets(ctx, repo.BudgetFilters{Month: input.Month, Year: input.Year})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RegionalBudget `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-availability",
		Method:      http.MethodGet,
		Path:        "/budgets/availability",
		Summary:     "Check budget headroom for a prospective approval",
	}, func(ctx context.Context, input *struct {
		Region string  `query:"region" required:"true"`
		Month  string  `query:"month" required:"true" example:"2023-10"`
		Value  float64 `query:"value" required:"true"`
	}) (*struct {
		Body engine.Availability `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, e); authErr != nil {
			return nil, authErr
		}
		a := e.CheckAvailability(ctx, input.Region, input.Month, input.Value)
		return &struct {
			Body engine.Availability `json:"body"`
		}{Body: a}, nil
	})
}

func registerDashboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Admin overview for one month",
	}, func(ctx context.Context, input *struct {
		Month string `query:"month" example:"2023-10"`
	}) (*struct {
		Body engine.Dashboard `json:"body"`
	}, error) {
		email, authErr := requireAdmin(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		// loading the admin view sweeps overdue approvals first, so the
		// numbers never include actions that were silently missed
		if _, err := e.ExpireSweep(ctx, "", email); err != nil {
			return nil, handleError(err)
		}
		d, err := e.LoadDashboard(ctx, input.Month)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Dashboard `json:"body"`
		}{Body: d}, nil
	})
}

func registerSweep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "expire-sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Expire approved requests from past months",
	}, func(ctx context.Context, input *struct {
		Month string `query:"month" example:"2023-11" doc:"Reference month; defaults to the current one"`
	}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		email, authErr := requireAdmin(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.ExpireSweep(ctx, input.Month, email)
		if err != nil {
			return nil, handleError(err)
		}
		month := input.Month
		if month == "" {
			month = "current"
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Expired: n, Month: month}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type" example:"request.approve"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, e); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

// registerUploads is a plain multipart endpoint: the image goes to the
// external host, and with request_id/kind form fields the hosted URL is
// attached in the same call.
func registerUploads(router chi.Router, basePath string, e engine.Engine, up evidence.Uploader) {
	router.Post(basePath+"/uploads", func(w http.ResponseWriter, r *http.Request) {
		email, authErr := actorEmailFromContext(r.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid multipart body", nil))
			return
		}
		file, hdr, err := r.FormFile("image")
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "image file is required", nil))
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable image", nil))
			return
		}
		url, err := up.Upload(r.Context(), hdr.Filename, data)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadGateway, "upload_failed", err.Error(), nil))
			return
		}
		if reqID := r.FormValue("request_id"); reqID != "" {
			kind := r.FormValue("kind")
			if _, err := e.AttachEvidence(r.Context(), reqID, kind, []string{url}, email); err != nil {
				respondStatusError(w, handleError(err))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"url": url})
	})
}
