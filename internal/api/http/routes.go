package httpapi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/weather-gateway/internal/city"
	"github.com/i474232898/weather-gateway/internal/fetch"
	"github.com/i474232898/weather-gateway/internal/model"
	"github.com/i474232898/weather-gateway/internal/store"
	"github.com/i474232898/weather-gateway/internal/weather"
)

var validate = validator.New()

const (
	defaultForecastHours  = 24
	defaultHistoricalDays = 7
)

type handler struct {
	service     *weather.Service
	predictor   *model.Predictor
	defaultCity string
}

// RegisterRoutes wires the HTTP handlers into the Fiber app. predictor may be nil.
func RegisterRoutes(app *fiber.App, service *weather.Service, predictor *model.Predictor, defaultCity string) {
	h := &handler{service: service, predictor: predictor, defaultCity: defaultCity}

	v1 := app.Group("/api/v1")
	v1.Get("/weather/current", h.current)
	v1.Get("/weather/forecast", h.forecast)
	v1.Get("/weather/historical", h.historical)
	v1.Get("/weather/predict", h.predict)
	v1.Get("/weather/snapshots", h.snapshots)
}

// ErrorHandler renders every error as {"error": true, "message": ...}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

func (h *handler) current(c *fiber.Ctx) error {
	locReq, err := h.parseLocationQuery(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	loc := locReq.toLocation()
	reading, err := h.service.Current(c.UserContext(), loc)
	if err != nil {
		return providerError(err)
	}

	return c.JSON(fiber.Map{
		"location": loc,
		"provider": h.service.ProviderName(),
		"current":  reading,
	})
}

func (h *handler) forecast(c *fiber.Ctx) error {
	var req forecastQuery
	if err := req.bind(c, h.defaultCity); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	loc := req.Location.toLocation()
	forecast, err := h.service.Forecast(c.UserContext(), loc, req.Hours)
	if err != nil {
		return providerError(err)
	}

	return c.JSON(fiber.Map{
		"location": loc,
		"provider": h.service.ProviderName(),
		"hours":    req.Hours,
		"forecast": forecast,
	})
}

func (h *handler) historical(c *fiber.Ctx) error {
	var req historicalQuery
	if err := req.bind(c, h.defaultCity); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	loc := req.Location.toLocation()
	readings, err := h.service.Historical(c.UserContext(), loc, req.Days)
	if err != nil {
		return providerError(err)
	}

	return c.JSON(fiber.Map{
		"location":   loc,
		"provider":   h.service.ProviderName(),
		"days":       req.Days,
		"historical": readings,
	})
}

func (h *handler) predict(c *fiber.Ctx) error {
	locReq, err := h.parseLocationQuery(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if h.predictor == nil || !h.predictor.Trained() {
		return fiber.NewError(fiber.StatusServiceUnavailable, model.ErrNotTrained.Error())
	}

	loc := locReq.toLocation()
	recent, err := h.service.RecentHourly(c.UserContext(), loc, model.Lags)
	if err != nil {
		return providerError(err)
	}

	prediction, err := h.predictor.Predict(recent)
	if err != nil {
		if errors.Is(err, model.ErrNotTrained) || errors.Is(err, model.ErrInsufficientData) {
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, "failed to run prediction")
	}

	samples, rmse, _, _ := h.predictor.Info()
	return c.JSON(fiber.Map{
		"location":   loc,
		"prediction": prediction,
		"model": fiber.Map{
			"samples": samples,
			"rmse":    rmse,
		},
	})
}

// snapshots serves the readings recorded by the scheduler.
func (h *handler) snapshots(c *fiber.Ctx) error {
	var req snapshotsQuery
	if err := req.bind(c, h.defaultCity); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	loc := req.Location.toLocation()
	snapshots, err := h.service.GetRange(loc, req.From, req.To)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "no weather snapshots for requested range")
		}
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch weather snapshots")
	}

	return c.JSON(fiber.Map{
		"location":  loc,
		"from":      req.From,
		"to":        req.To,
		"snapshots": snapshots,
	})
}

// providerError maps service and resolver failures to HTTP errors.
func providerError(err error) error {
	switch {
	case errors.Is(err, city.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "city not found")
	case errors.Is(err, city.ErrRegistrationFailed):
		return fiber.NewError(fiber.StatusInternalServerError, "failed to register city with provider")
	case errors.Is(err, city.ErrInvalidName), errors.Is(err, weather.ErrInvalidRange):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, fetch.ErrRateLimited), errors.Is(err, weather.ErrNoProvider):
		return fiber.NewError(fiber.StatusServiceUnavailable, "weather provider unavailable")
	case errors.Is(err, fetch.ErrTransient), errors.Is(err, fetch.ErrPermanent):
		return fiber.NewError(fiber.StatusBadGateway, "weather provider request failed")
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch weather data")
	}
}

// locationQuery holds query parameters for identifying a location.
type locationQuery struct {
	City    string `validate:"required,max=100"`
	Country string `validate:"omitempty,len=2,alpha"`
}

func (l locationQuery) toLocation() weather.Location {
	return weather.Location{
		City:    l.City,
		Country: strings.ToUpper(l.Country),
	}
}

func parseLocationQuery(c *fiber.Ctx, defaultCity string) (locationQuery, error) {
	var q locationQuery

	q.City = strings.TrimSpace(c.Query("city", defaultCity))
	q.Country = strings.TrimSpace(c.Query("country"))

	if err := validate.Struct(q); err != nil {
		return q, err
	}

	return q, nil
}

func (h *handler) parseLocationQuery(c *fiber.Ctx) (locationQuery, error) {
	return parseLocationQuery(c, h.defaultCity)
}

// forecastQuery holds query parameters for the forecast endpoint.
type forecastQuery struct {
	Location locationQuery
	Hours    int `validate:"min=1,max=48"`
}

func (f *forecastQuery) bind(c *fiber.Ctx, defaultCity string) error {
	loc, err := parseLocationQuery(c, defaultCity)
	if err != nil {
		return err
	}
	f.Location = loc

	f.Hours, err = intQuery(c, "hours", defaultForecastHours)
	return err
}

// historicalQuery holds query parameters for the historical endpoint.
type historicalQuery struct {
	Location locationQuery
	Days     int `validate:"min=1,max=30"`
}

func (h *historicalQuery) bind(c *fiber.Ctx, defaultCity string) error {
	loc, err := parseLocationQuery(c, defaultCity)
	if err != nil {
		return err
	}
	h.Location = loc

	h.Days, err = intQuery(c, "days", defaultHistoricalDays)
	return err
}

// snapshotsQuery holds query parameters for the snapshots endpoint.
type snapshotsQuery struct {
	Location locationQuery
	From     time.Time `validate:"required"`
	To       time.Time `validate:"required,gtefield=From"`
}

func (s *snapshotsQuery) bind(c *fiber.Ctx, defaultCity string) error {
	loc, err := parseLocationQuery(c, defaultCity)
	if err != nil {
		return err
	}
	s.Location = loc

	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}

	s.From = from
	s.To = to
	return nil
}

// intQuery returns def when key is absent and an error when it is not an integer.
func intQuery(c *fiber.Ctx, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
