package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"relay-backend/internal/domain/customer"
	"relay-backend/internal/middleware"
	"relay-backend/internal/store"
	"relay-backend/pkg/api"
)

// CreateCustomerRequest is the body for POST /customers.
type CreateCustomerRequest struct {
	Email  string `json:"email" validate:"required,email"`
	Name   string `json:"name" validate:"required"`
	Region string `json:"region"`
}

// UpdateCustomerRequest is the body for PUT /customers/{customerID}.
type UpdateCustomerRequest struct {
	Name   *string `json:"name"`
	Region *string `json:"region"`

	UpdateUtcTick int64 `json:"update_utc_tick" validate:"required"`
}

// CustomerHandler serves the customer CRUDL surface.
type CustomerHandler struct {
	repo     Repository[*customer.Customer]
	validate *validator.Validate
	logger   *zap.Logger
}

// NewCustomerHandler builds the handler.
func NewCustomerHandler(repo Repository[*customer.Customer], logger *zap.Logger) *CustomerHandler {
	return &CustomerHandler{
		repo:     repo,
		validate: validator.New(),
		logger:   logger,
	}
}

// Register mounts the customer routes.
func (h *CustomerHandler) Register(r chi.Router) {
	r.Route("/customers", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{customerID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/suspend", h.Suspend)
			r.Post("/reactivate", h.Reactivate)
			r.Post("/close", h.Close)
		})
	})
}

// Create handles POST /customers.
func (h *CustomerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.ErrorWithRequestID(w, http.StatusBadRequest, err.Error(),
			middleware.GetRequestIDFromRequest(r))
		return
	}

	c, err := customer.NewCustomer(req.Email, req.Name, req.Region)
	if err != nil {
		api.ErrorWithRequestID(w, http.StatusBadRequest, err.Error(),
			middleware.GetRequestIDFromRequest(r))
		return
	}

	if err := h.repo.Create(r.Context(), c, sessionOption(r)...); err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	api.Success(w, http.StatusCreated, c)
}

// Get handles GET /customers/{customerID}.
func (h *CustomerHandler) Get(w http.ResponseWriter, r *http.Request) {
	var opts []store.CallOption
	if fresh(r) {
		opts = append(opts, store.WithoutCache())
	}

	c, err := h.repo.Read(r.Context(), chi.URLParam(r, "customerID"), opts...)
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	api.Success(w, http.StatusOK, c)
}

// Update handles PUT /customers/{customerID}.
func (h *CustomerHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateCustomerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.ErrorWithRequestID(w, http.StatusBadRequest, err.Error(),
			middleware.GetRequestIDFromRequest(r))
		return
	}

	c, err := h.repo.Read(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}

	if req.Name != nil {
		c.Name = *req.Name
	}
	if req.Region != nil {
		c.Region = *req.Region
	}
	if err := c.Validate(); err != nil {
		api.ErrorWithRequestID(w, http.StatusBadRequest, err.Error(),
			middleware.GetRequestIDFromRequest(r))
		return
	}
	c.SetUpdateUtcTick(req.UpdateUtcTick)

	opts := sessionOption(r)
	if forced(r) {
		opts = append(opts, store.WithForce())
	}
	if err := h.repo.Update(r.Context(), c, opts...); err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	api.Success(w, http.StatusOK, c)
}

// Suspend handles POST /customers/{customerID}/suspend.
func (h *CustomerHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*customer.Customer).Suspend)
}

// Reactivate handles POST /customers/{customerID}/reactivate.
func (h *CustomerHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*customer.Customer).Reactivate)
}

// Close handles POST /customers/{customerID}/close.
func (h *CustomerHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, (*customer.Customer).Close)
}

func (h *CustomerHandler) transition(w http.ResponseWriter, r *http.Request, change func(*customer.Customer) error) {
	c, err := h.repo.Read(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		respondError(h.logger, w, r, err)
		return
	}

	if err := change(c); err != nil {
		api.ErrorWithRequestID(w, http.StatusConflict, err.Error(),
			middleware.GetRequestIDFromRequest(r))
		return
	}

	if err := h.repo.Update(r.Context(), c, sessionOption(r)...); err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	api.Success(w, http.StatusOK, c)
}

// Delete handles DELETE /customers/{customerID}?tick=N.
func (h *CustomerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	c := &customer.Customer{ID: chi.URLParam(r, "customerID")}

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
		c.SetUpdateUtcTick(tick)
	}

	if err := h.repo.Delete(r.Context(), c, opts...); err != nil {
		respondError(h.logger, w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /customers with the index-qualified query parameters.
// Lookup by email is ?by=SK1&v=<email>.
func (h *CustomerHandler) List(w http.ResponseWriter, r *http.Request) {
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
