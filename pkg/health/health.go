package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("health", fx.Provide(ProvideHealth))

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
	Check(ctx context.Context) Health
}

type health struct {
	db      *gorm.DB
	redis   *redis.Client
	objects *minio.Client
}

type HealthParams struct {
	fx.In
	DB      *gorm.DB      `optional:"true"`
	Redis   *redis.Client `optional:"true"`
	Objects *minio.Client `optional:"true"`
}

func ProvideHealth(p HealthParams) HealthService {
	return &health{
		db:      p.DB,
		redis:   p.Redis,
		objects: p.Objects,
	}
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{
		Status:  statusHealthy,
		Message: "OK",
	})
}

func (h *health) Readiness(c *gin.Context) {
	this := h.Check(c.Request.Context())
	status := http.StatusOK
	if this.Status != statusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, this)
}

// Check pings every configured dependency.
func (h *health) Check(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	this := Health{
		Status:  statusHealthy,
		Message: "OK",
		Deps:    make([]Dependency, 0, 3),
	}

	if h.db != nil {
		this.add(h.db.Name(), func() error {
			sql, err := h.db.DB()
			if err != nil {
				return err
			}
			return sql.PingContext(ctx)
		})
	}

	if h.redis != nil {
		this.add("redis", func() error {
			return h.redis.Ping(ctx).Err()
		})
	}

	if h.objects != nil {
		this.add("minio", func() error {
			_, err := h.objects.ListBuckets(ctx)
			return err
		})
	}

	return this
}

func (s *Health) add(name string, ping func() error) {
	dep := Dependency{Name: name, Status: statusHealthy, Message: "OK"}
	if err := ping(); err != nil {
		dep.Status = statusUnhealthy
		dep.Message = err.Error()
		s.Status = statusUnhealthy
		s.Message = name + " unavailable"
	}
	s.Deps = append(s.Deps, dep)
}
