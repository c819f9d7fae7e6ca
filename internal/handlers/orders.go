package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"relay-backend/internal/domain/order"
	"relay-backend/internal/middleware"
	"relay-backend/internal/store"
	"relay-backend/pkg/api"
)

// CreateOrderRequest is the body for POST /orders.
type CreateOrderRequest struct {
	CustomerID string             `json:"customer_id" validate:"required"`
	Region     string             `json:"region"`
	Lines      []OrderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// OrderLineRequest is one priced position in an order request.
type OrderLineRequest struct {
	SKU       string `json:"sku" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,min=1"`
	UnitCents int64  `json:"unit_cents" validate:"min=0"`
}

// UpdateOrderRequest is the body for PUT /orders/{orderID}. UpdateUtcTick
// echoes the concurrency token from the last read; the update fails with
// 409 when another writer got there first.
type UpdateOrderRequest struct {
	Region *string             `json:"region"`
	Lines  *[]OrderLineRequest `json:"lines" validate:"omitempty,min=1,dive"`

	UpdateUtcTick int64 `json:"update_utc_tick" validate:"required"`
}

// OrderHandler serves the order CRUDL surface.
type OrderHandler struct {
	repo     Repository[*order.Order]
	validate *validator.Validate
	logger   *zap.Logger
}

// NewOrderHandler builds the handler.
func NewOrderHandler(repo Repository[*order.Order], logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		repo:     repo,
		validate: validator.New(),
		logger:   logger,
	}
}

// Register mounts the order routes.
func (h *OrderHandler) Register(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{orderID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/pay", h.Pay)
			r.Post("/ship", h.Ship)
			r.Post("/cancel", h.Cancel)
		})
	})
}

// Create handles POST /orders.
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.ErrorWithRequestID(w, http.StatusBadRequest, err.Error(),
			middleware.GetRequestIDFromRequest(r))
		return
	}

	lines := make([]order.Line, len(req.Lines))
	for i, line := range req.Lines {
		lines[i] = order.Line{SKU: line.SKU, Quantity: line.Quantity, UnitCents: line.UnitCents}
	}

	o, err := order.NewOrder(req.CustomerID, req.Region, lines)
	if err != nil {
		api.ErrorWithRequestID(w, http.StatusBadRequest, err.Error(),
			middleware.GetRequestIDFromRequest(r))
		return
	}

	if err := h.repo.Create(r.Context(), o, sessionOption(r)...); err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	api.Success(w, http.StatusCreated, o)
}

// Get handles GET /orders/{orderID}. ?fresh=1 bypasses the read cache.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	var opts []store.CallOption
	if fresh(r) {
		opts = append(opts, store.WithoutCache())
	}

	o, err := h.repo.Read(r.Context(), chi.URLParam(r, "orderID"), opts...)
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	api.Success(w, http.StatusOK, o)
}

// Update handles PUT /orders/{orderID}. ?force=1 skips the concurrency
// check and overwrites unconditionally.
func (h *OrderHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.ErrorWithRequestID(w, http.StatusBadRequest, err.Error(),
			middleware.GetRequestIDFromRequest(r))
		return
	}

	o, err := h.repo.Read(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}

	if req.Region != nil {
		o.Region = *req.Region
	}
	if req.Lines != nil {
		lines := make([]order.Line, len(*req.Lines))
		for i, line := range *req.Lines {
			lines[i] = order.Line{SKU: line.SKU, Quantity: line.Quantity, UnitCents: line.UnitCents}
		}
		o.Lines = lines
		o.TotalCents = o.Total()
	}
	if err := o.Validate(); err != nil {
		api.ErrorWithRequestID(w, http.StatusBadRequest, err.Error(),
			middleware.GetRequestIDFromRequest(r))
		return
	}
	o.SetUpdateUtcTick(req.UpdateUtcTick)

	opts := sessionOption(r)
	if forced(r) {
		opts = append(opts, store.WithForce())
	}
	if err := h.repo.Update(r.Context(), o, opts...); err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	api.Success(w, http.StatusOK, o)
}

// Pay handles POST /orders/{orderID}/pay.
func (h *OrderHandler) Pay(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*order.Order).Pay)
}

// Ship handles POST /orders/{orderID}/ship.
func (h *OrderHandler) Ship(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*order.Order).Ship)
}

// Cancel handles POST /orders/{orderID}/cancel.
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*order.Order).Cancel)
}

// transition reads the order, applies a status change and writes it back
// under the token from the read. A concurrent writer surfaces as 409.
func (h *OrderHandler) transition(w http.ResponseWriter, r *http.Request, change func(*order.Order) error) {
	o, err := h.repo.Read(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}

	if err := change(o); err != nil {
		api.ErrorWithRequestID(w, http.StatusConflict, err.Error(),
			middleware.GetRequestIDFromRequest(r))
		return
	}

	if err := h.repo.Update(r.Context(), o, sessionOption(r)...); err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	api.Success(w, http.StatusOK, o)
}

// Delete handles DELETE /orders/{orderID}?tick=N. The tick is the token
// from the last read; ?force=1 deletes unconditionally.
func (h *OrderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	o := &order.Order{ID: chi.URLParam(r, "orderID")}

	opts := sessionOption(r)
	if forced(r) {
		opts = append(opts, store.WithForce())
	} else {
		tick, ok := expectedTick(r)
		if !ok {
			api.ErrorWithRequestID(w, http.StatusBadRequest,
				"delete requires ?tick=<update_utc_tick> or ?force=1",
				middleware.GetRequestIDFromRequest(r))
			return
		}
		o.SetUpdateUtcTick(tick)
	}

	if err := h.repo.Delete(r.Context(), o, opts...); err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /orders with the index-qualified query parameters.
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}

	page, err := h.repo.List(r.Context(), listQuery(r), opts...)
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}

	api.Success(w, int(page.Outcome), listResponse{
		Items:     page.Items,
		Partial:   page.Partial,
		NextToken: page.NextToken,
	})
}
