// Package health serves the consumer process's HTTP health check and inspection
// endpoints.
package health

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/mailiemtruc/officesync-sub000/internal/consumer"
	"github.com/mailiemtruc/officesync-sub000/internal/domain"
	"github.com/mailiemtruc/officesync-sub000/internal/replica"
)

// StatsSource provides consumer counters.
type StatsSource interface {
	Snapshot() consumer.StatsSnapshot
}

type healthResponse struct {
	Status  string `json:"status"`
	Replica string `json:"replica"`
}

type statsResponse struct {
	Replica string                 `json:"replica"`
	Stats   consumer.StatsSnapshot `json:"stats"`
}

type entityResponse struct {
	Entity     domain.EntityType  `json:"entity"`
	ID         int64              `json:"id"`
	State      replica.State      `json:"state"`
	Employee   *domain.Employee   `json:"employee,omitempty"`
	Department *domain.Department `json:"department,omitempty"`
}

// Register mounts the endpoints on e.
func Register(e *echo.Echo, name string, store replica.Store, stats StatsSource, logger *log.Logger) {
	e.GET("/healthz", healthz(name, store, logger))
	e.GET("/stats", getStats(name, stats))
	e.GET("/replica/:entity/:id", getEntity(store))
}

func healthz(name string, store replica.Store, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		// a trivial read proves the replica store answers
		err := store.View(c.Request().Context(), func(r replica.Reader) error {
			_, err := r.IsDeleted(c.Request().Context(), domain.EntityEmployee, 0)
			return err
		})
		if err != nil {
			logger.WithError(err).Error("replica store unhealthy")
			return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Replica: name})
		}
		return c.JSON(http.StatusOK, healthResponse{Status: "ok", Replica: name})
	}
}

func getStats(name string, stats StatsSource) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, statsResponse{Replica: name, Stats: stats.Snapshot()})
	}
}

func getEntity(store replica.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		kind, err := domain.ParseEntityType(c.Param("entity"))
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "unknown entity")
		}
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
		}
		ctx := c.Request().Context()
		resp, err := loadEntity(ctx, store, kind, id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func loadEntity(ctx context.Context, store replica.Store, kind domain.EntityType, id int64) (entityResponse, error) {
	resp := entityResponse{Entity: kind, ID: id}
	err := store.View(ctx, func(r replica.Reader) error {
		state, err := replica.StateOf(ctx, r, kind, id)
		if err != nil {
			return err
		}
		resp.State = state
		switch kind {
		case domain.EntityEmployee:
			resp.Employee, err = r.GetEmployee(ctx, id)
		case domain.EntityDepartment:
			resp.Department, err = r.GetDepartment(ctx, id)
		}
		return err
	})
	return resp, err
}

// NewServer returns an echo instance with the endpoints registered.
func NewServer(name string, store replica.Store, stats StatsSource, logger *log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	Register(e, name, store, stats, logger)
	return e
}
