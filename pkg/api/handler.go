package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/visionspark/backend/pkg/billing"
	"github.com/visionspark/backend/pkg/entitlement"
)

var (
	errMissingUserIDExtractor = errors.New("GetUserID extractor is required")
	errMissingEngine          = errors.New("accounting engine is required")
)

// Handler exposes the service's HTTP surface: consume-unit,
// validate-purchase and usage-status.
type Handler struct {
	config Config
	logger entitlement.Logger
}

// NewHandler creates a handler from the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return &Handler{config: config, logger: logger}, nil
}

// ConsumeUnit handles POST /v1/consume: run one unit of image work under
// quota accounting.
func (h *Handler) ConsumeUnit(w http.ResponseWriter, r *http.Request) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, ErrorBody{Kind: "unauthenticated", Message: "user not authenticated"})
		return
	}

	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorBody{Kind: "invalid_input", Message: "malformed request body"})
		return
	}
	kind := entitlement.Kind(req.Kind)
	if !kind.Valid() {
		h.writeError(w, http.StatusBadRequest, ErrorBody{Kind: "invalid_input", Message: "kind must be \"generation\" or \"enhancement\""})
		return
	}
	if h.config.Submitter == nil {
		h.writeError(w, http.StatusServiceUnavailable, ErrorBody{Kind: "provider_unavailable", Message: "image provider not configured", Retryable: true})
		return
	}

	var output json.RawMessage
	result, err := h.config.Engine.Consume(r.Context(), userID, h.timezone(r), kind, func(ctx context.Context) error {
		var submitErr error
		output, submitErr = h.config.Submitter.Submit(ctx, kind, req.Payload)
		return submitErr
	})
	if err != nil {
		h.writeConsumeError(w, r, kind, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ConsumeResponse{
		Result: output,
		Usage: UsageInfo{
			Limit:          result.Limit,
			UsedThisPeriod: result.UsageAfter,
			ResetsAtUTC:    result.NextReset.Format(time.RFC3339),
		},
	})
}

// UsageStatus handles GET /v1/usage. The kind query parameter defaults to
// generation.
func (h *Handler) UsageStatus(w http.ResponseWriter, r *http.Request) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, ErrorBody{Kind: "unauthenticated", Message: "user not authenticated"})
		return
	}

	kind := entitlement.KindGeneration
	if v := r.URL.Query().Get("kind"); v != "" {
		kind = entitlement.Kind(v)
		if !kind.Valid() {
			h.writeError(w, http.StatusBadRequest, ErrorBody{Kind: "invalid_input", Message: "unknown resource kind"})
			return
		}
	}

	status, err := h.config.Engine.Status(r.Context(), userID, h.timezone(r), kind)
	if err != nil {
		if errors.Is(err, entitlement.ErrProfileNotFound) {
			// Profile row not created yet: report the free defaults instead
			// of failing, the way a brand-new account looks.
			h.writeJSON(w, http.StatusOK, h.defaultStatus(kind))
			return
		}
		h.logger.Error("usage status failed",
			entitlement.F("user_id", userID), entitlement.F("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, ErrorBody{Kind: "internal", Message: "failed to load usage status", Retryable: true})
		return
	}

	h.writeJSON(w, http.StatusOK, UsageStatusResponse{
		Limit:                  status.Limit,
		UsedThisPeriod:         status.Used,
		Remaining:              status.Remaining,
		ResetsAtUTC:            status.ResetsAt.Format(time.RFC3339),
		ActiveSubscriptionType: status.Tier,
	})
}

// ValidatePurchase handles POST /v1/purchases/validate.
func (h *Handler) ValidatePurchase(w http.ResponseWriter, r *http.Request) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, ErrorBody{Kind: "unauthenticated", Message: "user not authenticated"})
		return
	}
	if h.config.Reconciler == nil {
		h.writeError(w, http.StatusServiceUnavailable, ErrorBody{Kind: "billing_unavailable", Message: "purchase validation not configured", Retryable: true})
		return
	}

	var req ValidatePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorBody{Kind: "invalid_input", Message: "malformed request body"})
		return
	}

	outcome, err := h.config.Reconciler.Process(r.Context(), userID, billing.Receipt{
		ProductID:     req.ProductID,
		PurchaseToken: req.PurchaseToken,
		Source:        req.Source,
	})
	if err != nil {
		h.writeValidateError(w, userID, err)
		return
	}

	resp := ValidatePurchaseResponse{
		Tier:      outcome.Tier,
		Active:    outcome.Active,
		ExpiresAt: outcome.ExpiresAt.Format(time.RFC3339),
	}
	if outcome.Status == billing.OutcomePartial {
		resp.ManualReviewRequired = true
		resp.Message = "Your purchase succeeded. Activation may take up to 24 hours."
		h.writeJSON(w, http.StatusAccepted, resp)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeConsumeError(w http.ResponseWriter, r *http.Request, kind entitlement.Kind, err error) {
	var limitErr *entitlement.LimitError
	if errors.As(err, &limitErr) {
		d := limitErr.Denial
		retryAfter := int(time.Until(d.ResetsAt).Seconds())
		if retryAfter < 0 {
			retryAfter = 0
		}
		h.writeJSON(w, http.StatusTooManyRequests, DeniedResponse{
			Error: ErrorBody{
				Kind:       "limit_reached",
				Message:    limitErr.Error(),
				Retryable:  true,
				RetryAfter: retryAfter,
			},
			ResetsAtUTC:  d.ResetsAt.Format(time.RFC3339),
			TimezoneUsed: d.Timezone,
			LimitDetails: LimitDetails{
				CurrentLimit:       d.Limit,
				UsedThisPeriod:     d.Used,
				ActiveSubscription: d.Tier,
			},
		})
		return
	}
	if errors.Is(err, entitlement.ErrProfileNotFound) {
		h.writeError(w, http.StatusNotFound, ErrorBody{Kind: "profile_not_found", Message: "profile not found"})
		return
	}

	// Everything else is the provider's error or a storage failure; the
	// debit has already been compensated where applicable.
	h.logger.Error("consume unit failed",
		entitlement.F("kind", kind), entitlement.F("error", err.Error()))
	h.writeError(w, http.StatusInternalServerError, ErrorBody{Kind: "internal", Message: err.Error(), Retryable: true})
}

func (h *Handler) writeValidateError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, billing.ErrMissingProductID),
		errors.Is(err, billing.ErrMissingPurchaseToken):
		h.writeError(w, http.StatusBadRequest, ErrorBody{Kind: "invalid_input", Message: err.Error()})
		return
	case errors.Is(err, entitlement.ErrProfileNotFound):
		h.writeError(w, http.StatusNotFound, ErrorBody{Kind: "profile_not_found", Message: "profile not found"})
		return
	}

	var verr *billing.ValidationError
	if errors.As(err, &verr) {
		body := ErrorBody{
			Kind:       string(verr.Classification.Kind),
			Message:    "purchase validation failed",
			Retryable:  verr.Classification.Retryable,
			RetryAfter: int(verr.Classification.RetryAfter.Seconds()),
		}
		if verr.Retryable() {
			h.writeError(w, http.StatusServiceUnavailable, body)
		} else {
			h.writeError(w, http.StatusBadRequest, body)
		}
		return
	}

	h.logger.Error("purchase validation failed",
		entitlement.F("user_id", userID), entitlement.F("error", err.Error()))
	h.writeError(w, http.StatusInternalServerError, ErrorBody{Kind: "internal", Message: "purchase validation failed", Retryable: true})
}

// defaultStatus is the usage-status fallback for accounts whose profile row
// doesn't exist yet.
func (h *Handler) defaultStatus(kind entitlement.Kind) UsageStatusResponse {
	limit := entitlement.DefaultGenerationLimit
	if kind == entitlement.KindEnhancement {
		limit = entitlement.DefaultEnhancementLimit
	}
	return UsageStatusResponse{
		Limit:          limit,
		UsedThisPeriod: 0,
		Remaining:      limit,
		ResetsAtUTC:    entitlement.NextUTCMidnight(time.Now()).Format(time.RFC3339),
	}
}

func (h *Handler) timezone(r *http.Request) string {
	if h.config.GetTimezone == nil {
		return ""
	}
	return h.config.GetTimezone(r)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", entitlement.F("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, body ErrorBody) {
	h.writeJSON(w, code, ErrorResponse{Error: body})
}
