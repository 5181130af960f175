package reservation

import (
	"errors"
	"iter"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medbook/medbook/internal/platform/auth"
	"github.com/medbook/medbook/internal/platform/validation"
	"github.com/medbook/medbook/pkg/pagination"
)

// apiError is the JSON body of every error response.
type apiError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func newHTTPError(status int, code, message string) *echo.HTTPError {
	return echo.NewHTTPError(status, apiError{Code: code, Message: message})
}

// httpError maps domain errors to HTTP responses. The most specific kinds are
// checked first.
func httpError(err error) *echo.HTTPError {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, apiError{Code: "invalid_input", Message: verr.Error(), Fields: verr.Fields})
	case errors.Is(err, ErrSlotConflict):
		return newHTTPError(http.StatusConflict, "slot_conflict", ErrSlotConflict.Error())
	case errors.Is(err, ErrSlotUnavailable):
		return newHTTPError(http.StatusConflict, "slot_unavailable", ErrSlotUnavailable.Error())
	case errors.Is(err, ErrInvalidRange):
		return newHTTPError(http.StatusBadRequest, "invalid_range", err.Error())
	case errors.Is(err, ErrOverlap):
		return newHTTPError(http.StatusConflict, "overlap", err.Error())
	case errors.Is(err, ErrInvalidInput):
		return newHTTPError(http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, ErrSlotNotFound):
		return newHTTPError(http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, ErrBookingNotFound):
		return newHTTPError(http.StatusNotFound, "booking_not_found", err.Error())
	case errors.Is(err, ErrProviderNotFound):
		return newHTTPError(http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, ErrNotFound):
		return newHTTPError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrForbidden):
		return newHTTPError(http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return newHTTPError(http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, ErrInvalidState):
		return newHTTPError(http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, ErrAlreadyReserved):
		return newHTTPError(http.StatusConflict, "already_reserved", err.Error())
	case errors.Is(err, ErrConflict):
		return newHTTPError(http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, ErrUnavailable):
		return newHTTPError(http.StatusServiceUnavailable, "unavailable", "the request could not be completed, retry later")
	}
	he := newHTTPError(http.StatusInternalServerError, "internal_error", "internal server error")
	he.Internal = err
	return he
}

var statusCodes = map[int]string{
	http.StatusBadRequest:            "bad_request",
	http.StatusUnauthorized:          "unauthorized",
	http.StatusForbidden:             "forbidden",
	http.StatusNotFound:              "not_found",
	http.StatusMethodNotAllowed:      "method_not_allowed",
	http.StatusConflict:              "conflict",
	http.StatusRequestEntityTooLarge: "payload_too_large",
	http.StatusTooManyRequests:       "rate_limited",
	http.StatusServiceUnavailable:    "unavailable",
}

// ErrorHandler renders every error as an apiError body. Plain echo errors
// (routing, auth, rate limit) get a code derived from their status.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if !errors.As(err, &he) {
			he = httpError(err)
		}

		body, ok := he.Message.(apiError)
		if !ok {
			code, known := statusCodes[he.Code]
			if !known {
				code = "internal_error"
			}
			msg, isString := he.Message.(string)
			if !isString || he.Code >= http.StatusInternalServerError {
				msg = http.StatusText(he.Code)
			}
			body = apiError{Code: code, Message: msg}
		}

		if he.Code >= http.StatusInternalServerError {
			cause := he.Internal
			if cause == nil {
				cause = err
			}
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(cause).Str("request_id", rid).Str("path", c.Request().URL.Path).Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(he.Code)
		} else {
			werr = c.JSON(he.Code, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the reservation API on api, which must already run the
// authentication middleware. Listings and scores stay public.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/providers/:id/slots", h.ListSlots)
	api.GET("/providers/:id/ratings", h.ListRatings)
	api.GET("/providers/:id/score", h.GetProviderScore)

	providers := api.Group("", auth.RequireRole(auth.RoleProvider))
	providers.POST("/slots", h.CreateSlot)
	providers.DELETE("/slots/:id", h.CancelSlot)

	clients := api.Group("", auth.RequireRole(auth.RoleClient))
	clients.POST("/bookings", h.CreateBooking)
	clients.POST("/ratings", h.SubmitRating)

	members := api.Group("", auth.RequireRole(auth.RoleProvider, auth.RoleClient))
	members.GET("/bookings/me", h.ListMyBookings)
	members.GET("/bookings/:id", h.GetBooking)
	members.PATCH("/bookings/:id", h.TransitionBooking)
}

// -- Request bodies --

type createSlotRequest struct {
	Start *time.Time `json:"start_time" validate:"required"`
	End   *time.Time `json:"end_time" validate:"required"`
}

type createBookingRequest struct {
	SlotID uuid.UUID `json:"slot_id" validate:"required"`
	Note   *string   `json:"note" validate:"omitempty,max=1000"`
}

type transitionRequest struct {
	Status BookingStatus `json:"status" validate:"required,oneof=Completed Cancelled"`
}

type submitRatingRequest struct {
	BookingID uuid.UUID `json:"booking_id" validate:"required"`
	Score     *int      `json:"score" validate:"required"`
	Comment   *string   `json:"comment" validate:"omitempty,max=2000"`
}

type ratingResponse struct {
	Rating        *Rating        `json:"rating"`
	ProviderScore *ProviderScore `json:"provider_score"`
}

// bind decodes and validates the request body into dst.
func bind(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return newHTTPError(http.StatusBadRequest, "bad_request", "malformed request body")
	}
	if err := c.Validate(dst); err != nil {
		return httpError(err)
	}
	return nil
}

func principal(c echo.Context) (auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return auth.Principal{}, newHTTPError(http.StatusUnauthorized, "unauthorized", "authentication required")
	}
	return p, nil
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, newHTTPError(http.StatusBadRequest, "invalid_id", "invalid id")
	}
	return id, nil
}

// page collects one page of seq and wraps it with links back to this route.
func page[T any](c echo.Context, seq iter.Seq2[T, error]) error {
	pg := pagination.FromContext(c)
	items, hasMore, err := pagination.Collect(seq, pg)
	if err != nil {
		return httpError(err)
	}

	q := url.Values{}
	for k, v := range c.QueryParams() {
		if k != "limit" && k != "offset" {
			q[k] = v
		}
	}
	base := c.Request().URL.Path
	if len(q) > 0 {
		base += "?" + q.Encode()
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, pg, hasMore).WithLinks(base, pg))
}

// -- Slot Handlers --

func (h *Handler) CreateSlot(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req createSlotRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	slot, err := h.svc.CreateSlot(c.Request().Context(), p, *req.Start, *req.End)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, slot)
}

func (h *Handler) ListSlots(c echo.Context) error {
	providerID, err := pathID(c)
	if err != nil {
		return err
	}

	from := time.Now().UTC()
	if v := c.QueryParam("from"); v != "" {
		from, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid_input", "from must be an RFC 3339 timestamp")
		}
	}
	onlyFree := true
	switch c.QueryParam("only_free") {
	case "", "true", "1":
	case "false", "0":
		onlyFree = false
	default:
		return newHTTPError(http.StatusBadRequest, "invalid_input", "only_free must be true or false")
	}

	return page(c, h.svc.ListSlots(c.Request().Context(), providerID, from, onlyFree))
}

func (h *Handler) CancelSlot(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.CancelSlot(c.Request().Context(), p, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Booking Handlers --

func (h *Handler) CreateBooking(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req createBookingRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	b, err := h.svc.BookSlot(c.Request().Context(), p, req.SlotID, req.Note)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) ListMyBookings(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	seq, err := h.svc.MyBookings(c.Request().Context(), p)
	if err != nil {
		return httpError(err)
	}
	return page(c, seq)
}

func (h *Handler) GetBooking(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	b, err := h.svc.GetBooking(c.Request().Context(), p, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) TransitionBooking(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	b, err := h.svc.TransitionBooking(c.Request().Context(), p, id, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

// -- Rating Handlers --

func (h *Handler) SubmitRating(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req submitRatingRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	r, score, err := h.svc.SubmitRating(c.Request().Context(), p, req.BookingID, *req.Score, req.Comment)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, ratingResponse{Rating: r, ProviderScore: score})
}

func (h *Handler) ListRatings(c echo.Context) error {
	providerID, err := pathID(c)
	if err != nil {
		return err
	}
	return page(c, h.svc.ListRatings(c.Request().Context(), providerID))
}

func (h *Handler) GetProviderScore(c echo.Context) error {
	providerID, err := pathID(c)
	if err != nil {
		return err
	}
	s, err := h.svc.ProviderScore(c.Request().Context(), providerID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}
