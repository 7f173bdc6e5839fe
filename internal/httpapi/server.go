// Package httpapi is the operator-facing control surface: enqueue, cancel,
// status, identity controls, health and metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	logx "repartibot/pkg/logx"

	"repartibot/internal/dispatch"
	"repartibot/internal/render"
	"repartibot/internal/rotator"
)

// waitCap bounds how long a synchronous enqueue (?wait=true) blocks for the
// delivery outcome. Long enough for a full typing delay plus retries.
const waitCap = 2 * time.Minute

type Dispatcher interface {
	Enqueue(req dispatch.EnqueueRequest) (*dispatch.Item, error)
	Cancel(id string) bool
	Status() dispatch.Status
}

type IdentityController interface {
	ForceActivate(ctx context.Context, name string) error
	ForceRetire(name string) error
	Status() []rotator.IdentityStatus
}

type Config struct {
	Addr      string
	AuthToken string
	// EnqueuePerSec throttles POST /api/enqueue. <= 0 disables the limiter.
	EnqueuePerSec int
}

type Server struct {
	cfg      Config
	log      logx.Logger
	disp     Dispatcher
	ids      IdentityController
	gatherer prometheus.Gatherer
	limiter  *rate.Limiter
	echo     *echo.Echo
	waitFor  time.Duration
}

func New(cfg Config, disp Dispatcher, ids IdentityController, gatherer prometheus.Gatherer, log logx.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		disp:     disp,
		ids:      ids,
		gatherer: gatherer,
		waitFor:  waitCap,
	}
	if cfg.EnqueuePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.EnqueuePerSec), cfg.EnqueuePerSec)
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		log.Warn("http auth token is empty; mutating routes are unprotected")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	e.GET("/healthz", s.handleHealth)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := e.Group("/api", s.auth)
	api.POST("/enqueue", s.handleEnqueue, s.throttle)
	api.DELETE("/items/:id", s.handleCancel)
	api.GET("/status", s.handleStatus)
	api.POST("/identities/:name/activate", s.handleActivate)
	api.POST("/identities/:name/retire", s.handleRetire)

	s.echo = e
	return s
}

// Handler exposes the routing tree (also used by tests).
func (s *Server) Handler() http.Handler { return s.echo }

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
	err := s.echo.Start(s.cfg.Addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ---- middleware ----

// auth enforces the bearer token. A missing credential and a wrong one are
// distinct failures: 401 asks for auth, 403 refuses it.
func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := strings.TrimSpace(s.cfg.AuthToken)
		if token == "" {
			return next(c)
		}
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			return echo.NewHTTPError(http.StatusForbidden, "invalid token")
		}
		return next(c)
	}
}

func (s *Server) throttle(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return echo.NewHTTPError(http.StatusTooManyRequests, "enqueue rate exceeded")
		}
		return next(c)
	}
}

// ---- handlers ----

func (s *Server) handleHealth(c echo.Context) error {
	st := s.disp.Status()
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"ready":  st.Ready,
	})
}

type enqueueRequest struct {
	Destination string       `json:"destination"`
	Class       string       `json:"class,omitempty"`
	Urgent      bool         `json:"urgent,omitempty"`
	Kind        string       `json:"kind"`
	Body        string       `json:"body,omitempty"`
	MediaURL    string       `json:"media_url,omitempty"`
	Caption     string       `json:"caption,omitempty"`
	Document    *render.Spec `json:"document,omitempty"`
}

type enqueueResponse struct {
	ID     string              `json:"id"`
	Class  dispatch.Class      `json:"class"`
	Code   dispatch.ResultCode `json:"code,omitempty"`
	Detail string              `json:"detail,omitempty"`
}

func (s *Server) handleEnqueue(c echo.Context) error {
	var req enqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	class := dispatch.ClassNormal
	if strings.EqualFold(req.Class, string(dispatch.ClassPriority)) {
		class = dispatch.ClassPriority
	}
	it, err := s.disp.Enqueue(dispatch.EnqueueRequest{
		Destination: req.Destination,
		Class:       class,
		Urgent:      req.Urgent,
		Payload: dispatch.Payload{
			Kind:     req.Kind,
			Body:     req.Body,
			MediaURL: req.MediaURL,
			Caption:  req.Caption,
			Document: req.Document,
		},
	})
	switch {
	case errors.Is(err, dispatch.ErrNotReady):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no identity is ready")
	case errors.Is(err, dispatch.ErrOutsideHours):
		return echo.NewHTTPError(http.StatusConflict, "outside active hours")
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if c.QueryParam("wait") != "true" {
		return c.JSON(http.StatusAccepted, enqueueResponse{ID: it.ID, Class: it.Class})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.waitFor)
	defer cancel()
	select {
	case res := <-it.Done():
		status := http.StatusOK
		if res.Code != dispatch.ResultSent && res.Code != dispatch.ResultSentDegraded {
			status = http.StatusUnprocessableEntity
		}
		return c.JSON(status, enqueueResponse{
			ID:     it.ID,
			Class:  it.Class,
			Code:   res.Code,
			Detail: res.Detail,
		})
	case <-ctx.Done():
		// Still queued; the caller can poll /api/status.
		return c.JSON(http.StatusAccepted, enqueueResponse{ID: it.ID, Class: it.Class})
	}
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if !s.disp.Cancel(id) {
		return echo.NewHTTPError(http.StatusNotFound, "item not queued")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"dispatch":   s.disp.Status(),
		"identities": s.ids.Status(),
	})
}

func (s *Server) handleActivate(c echo.Context) error {
	name := c.Param("name")
	err := s.ids.ForceActivate(c.Request().Context(), name)
	switch {
	case errors.Is(err, rotator.ErrUnknownIdentity):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"identities": s.ids.Status()})
}

func (s *Server) handleRetire(c echo.Context) error {
	name := c.Param("name")
	err := s.ids.ForceRetire(name)
	switch {
	case errors.Is(err, rotator.ErrUnknownIdentity):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"identities": s.ids.Status()})
}
