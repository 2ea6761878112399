package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Mart95Dev/glowloops-v4-sub002/internal/domain"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/logger"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/service"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CartProvider hands out the cart store of a session.
type CartProvider interface {
	Cart(ctx context.Context, sessionID string) (*store.Store, error)
}

type CartHandler struct {
	carts       CartProvider
	validate    *validator.Validate
	maxBodySize int64
}

func NewCartHandler(carts CartProvider, maxBodySize int64) *CartHandler {
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20 // 1MB
	}
	return &CartHandler{
		carts:       carts,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		maxBodySize: maxBodySize,
	}
}

type AttributeDTO struct {
	Value      string          `json:"value" validate:"required,max=64"`
	PriceDelta decimal.Decimal `json:"priceDelta"`
}

type AddItemRequestDTO struct {
	ProductID          string                  `json:"productId" validate:"required,max=128"`
	Name               string                  `json:"name" validate:"required,max=256"`
	UnitPrice          decimal.Decimal         `json:"unitPrice"`
	Quantity           *int                    `json:"quantity,omitempty" validate:"omitempty,min=1,max=99"`
	ImageRef           string                  `json:"imageRef" validate:"max=1024"`
	OptionalAttributes map[string]AttributeDTO `json:"optionalAttributes" validate:"max=10,dive,keys,min=1,max=64,endkeys"`
}

type UpdateQuantityRequestDTO struct {
	Quantity *int `json:"quantity" validate:"required,max=99"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	cart, ok := h.cartFor(w, r)
	if !ok {
		return
	}
	respondJSON(w, r, http.StatusOK, cart.Snapshot())
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequestDTO
	if !h.decode(w, r, &req) {
		return
	}

	cart, ok := h.cartFor(w, r)
	if !ok {
		return
	}

	in := domain.AddItemInput{
		ProductID: req.ProductID,
		Name:      req.Name,
		UnitPrice: req.UnitPrice,
		Quantity:  req.Quantity,
		ImageRef:  req.ImageRef,
	}
	if len(req.OptionalAttributes) > 0 {
		in.OptionalAttributes = make(map[string]domain.Attribute, len(req.OptionalAttributes))
		for k, v := range req.OptionalAttributes {
			in.OptionalAttributes[k] = domain.Attribute{Value: v.Value, PriceDelta: v.PriceDelta}
		}
	}

	if _, err := cart.AddItem(r.Context(), in); err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusCreated, cart.Snapshot())
}

func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	lineID := chi.URLParam(r, "line_id")
	if lineID == "" {
		respondError(w, r, http.StatusBadRequest, "invalid_line_id", "line_id is required")
		return
	}

	var req UpdateQuantityRequestDTO
	if !h.decode(w, r, &req) {
		return
	}

	cart, ok := h.cartFor(w, r)
	if !ok {
		return
	}

	cart.UpdateQuantity(r.Context(), lineID, *req.Quantity)
	respondJSON(w, r, http.StatusOK, cart.Snapshot())
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	lineID := chi.URLParam(r, "line_id")
	if lineID == "" {
		respondError(w, r, http.StatusBadRequest, "invalid_line_id", "line_id is required")
		return
	}

	cart, ok := h.cartFor(w, r)
	if !ok {
		return
	}

	cart.RemoveItem(r.Context(), lineID)
	respondJSON(w, r, http.StatusOK, cart.Snapshot())
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	cart, ok := h.cartFor(w, r)
	if !ok {
		return
	}

	cart.Clear(r.Context())
	respondJSON(w, r, http.StatusOK, cart.Snapshot())
}

func (h *CartHandler) RecalculateTotals(w http.ResponseWriter, r *http.Request) {
	cart, ok := h.cartFor(w, r)
	if !ok {
		return
	}

	respondJSON(w, r, http.StatusOK, cart.RecalculateTotals(r.Context()))
}

func (h *CartHandler) cartFor(w http.ResponseWriter, r *http.Request) (*store.Store, bool) {
	cart, err := h.carts.Cart(r.Context(), getSessionID(r.Context()))
	if err != nil {
		handleError(w, r, err)
		return nil, false
	}
	return cart, true
}

func (h *CartHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		handleError(w, r, err)
		return false
	}
	return true
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErrs validator.ValidationErrors

	switch {
	case errors.As(err, &validationErrs):
		fields := make([]string, 0, len(validationErrs))
		for _, fe := range validationErrs {
			fields = append(fields, fe.Namespace()+" failed "+fe.Tag())
		}
		respondJSON(w, r, http.StatusBadRequest, ErrorResponse{
			Error:   "request validation failed",
			Code:    "validation_failed",
			Details: strings.Join(fields, "; "),
		})
	case errors.Is(err, store.ErrInvalidInput):
		respondError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, service.ErrInvalidSession):
		respondError(w, r, http.StatusUnauthorized, "missing_session", err.Error())
	default:
		logger.FromContext(r.Context()).Error("cart request failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.FromContext(r.Context()).Warn("failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondJSON(w, r, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
