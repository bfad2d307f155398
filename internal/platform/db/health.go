package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the JSON view of pgxpool.Stat.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// Pinger is the part of a pool the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
	Stat() *pgxpool.Stat
}

// SchemaVersioner reports the newest migration applied to the metadata
// schema. *Migrator implements it.
type SchemaVersioner interface {
	CurrentVersion(ctx context.Context) (int, error)
}

// DBHealth is the body served by HealthHandler.
type DBHealth struct {
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	SchemaVersion *int       `json:"schema_version,omitempty"`
	Pool          *PoolStats `json:"pool,omitempty"`
}

func statsOf(p Pinger) *PoolStats {
	stat := p.Stat()
	if stat == nil {
		return nil
	}
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// HealthHandler pings the database with a five second budget and, when
// versions is not nil, reads the applied schema version. Either failure
// answers 503.
func HealthHandler(p Pinger, versions SchemaVersioner) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		body := DBHealth{Status: "healthy", Pool: statsOf(p)}
		if err := p.Ping(ctx); err != nil {
			body.Status, body.Error = "unhealthy", err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}

		if versions != nil {
			v, err := versions.CurrentVersion(ctx)
			if err != nil {
				body.Status, body.Error = "unmigrated", err.Error()
				return c.JSON(http.StatusServiceUnavailable, body)
			}
			body.SchemaVersion = &v
		}
		return c.JSON(http.StatusOK, body)
	}
}
