package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bibliotecavirtual/reservation-service/internal/errs"
	"github.com/bibliotecavirtual/reservation-service/internal/model"
	"github.com/bibliotecavirtual/reservation-service/pkg/validate"
)

type Handler struct {
	reservationSvc ReservationService
	log            *zap.Logger
}

func New(reservationSvc ReservationService, log *zap.Logger) *Handler {
	return &Handler{
		reservationSvc: reservationSvc,
		log:            log,
	}
}

func (h *Handler) NewRouter() *echo.Echo {
	e := echo.New()
	const (
		baseRPS = 10
		apiRPS  = 100
	)
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 << 10, // 4 KB
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodOptions, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodPost, http.MethodDelete},
		AllowCredentials: true,
	}))

	base := e.Group("", newRateLimiterMW(baseRPS))
	base.GET("/manage/health", h.Health)

	e.Validator = validate.NewCustomValidator()
	api := e.Group("/api/v1",
		middleware.RequestLoggerWithConfig(requestLoggerConfig(h.log)),
		middleware.RequestID(),
		newRateLimiterMW(apiRPS),
	)

	api.POST("/holds", h.PlaceHold)
	api.DELETE("/holds", h.CancelHold)
	api.POST("/holds/pickup", h.MarkPickedUp)
	api.POST("/holds/return", h.MarkReturned)
	api.GET("/holds/check", h.CheckStatus)
	api.GET("/holds/user/:userId", h.ListByUser)

	api.GET("/holds", h.ListHolds)
	api.GET("/holds/:id", h.GetHold)
	api.PUT("/holds/:id/pickup", h.PickupByID)
	api.PUT("/holds/:id/return", h.ReturnByID)

	api.POST("/books", h.CreateBook)
	api.GET("/books", h.ListBooks)
	api.GET("/books/:id", h.GetBook)

	return e
}

func (h *Handler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (h *Handler) PlaceHold(c echo.Context) error {
	var req model.HoldRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	hold, err := h.reservationSvc.PlaceHold(ctx, req.UserID, req.BookID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, model.PlaceHoldResponse{
		HoldID:         hold.ID,
		ReservationUid: hold.ReservationUid,
		PickupDeadline: hold.PickupDeadline,
	})
}

func (h *Handler) CancelHold(c echo.Context) error {
	var req model.HoldRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if err := h.reservationSvc.CancelHold(ctx, req.UserID, req.BookID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{})
}

func (h *Handler) MarkPickedUp(c echo.Context) error {
	var req model.HoldRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if err := h.reservationSvc.MarkPickedUp(ctx, req.UserID, req.BookID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{})
}

func (h *Handler) MarkReturned(c echo.Context) error {
	var req model.HoldRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if err := h.reservationSvc.MarkReturned(ctx, req.UserID, req.BookID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{})
}

func (h *Handler) CheckStatus(c echo.Context) error {
	userID, err := intQueryParam(c, "userId")
	if err != nil {
		return err
	}
	bookID, err := intQueryParam(c, "bookId")
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	resp, err := h.reservationSvc.CheckStatus(ctx, userID, bookID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListByUser(c echo.Context) error {
	userID, err := intPathParam(c, "userId")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	holds, err := h.reservationSvc.ListByUser(ctx, userID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, holds)
}

func (h *Handler) ListHolds(c echo.Context) error {
	status := model.Status(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
	}
	ctx := c.Request().Context()
	holds, err := h.reservationSvc.ListHolds(ctx, status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, holds)
}

func (h *Handler) GetHold(c echo.Context) error {
	id, err := intPathParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	hold, err := h.reservationSvc.GetHold(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, hold)
}

func (h *Handler) PickupByID(c echo.Context) error {
	id, err := intPathParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	hold, err := h.reservationSvc.PickupByID(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, hold)
}

func (h *Handler) ReturnByID(c echo.Context) error {
	id, err := intPathParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	hold, err := h.reservationSvc.ReturnByID(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, hold)
}

func (h *Handler) CreateBook(c echo.Context) error {
	var req model.CreateBookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	book, err := h.reservationSvc.CreateBook(ctx, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, book)
}

func (h *Handler) GetBook(c echo.Context) error {
	id, err := intPathParam(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	book, err := h.reservationSvc.GetBook(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, book)
}

func (h *Handler) ListBooks(c echo.Context) error {
	ctx := c.Request().Context()
	books, err := h.reservationSvc.ListBooks(ctx)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, books)
}

// httpError maps business errors to status codes; anything unexpected is a 500.
func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrBookNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrNoCopies),
		errors.Is(err, errs.ErrDuplicateHold),
		errors.Is(err, errs.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		// storage and other unexpected failures stay opaque to clients
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func intPathParam(c echo.Context, name string) (int, error) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

func intQueryParam(c echo.Context, name string) (int, error) {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil || v <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" is required")
	}
	return v, nil
}
