// Package httpapi is the Control Surface's HTTP adapter (spec §4.9, §6.1):
// a set of stateless Gin handlers over the Room Store, Job Store/Queue and
// CRDT Session Manager. No business state lives here.
package httpapi

import (
	"context"
	"time"

	"github.com/gin-contrib/cors"
	limits "github.com/gin-contrib/size"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zapcore"

	"github.com/e2b-dev/collab-core/internal/crdt"
	"github.com/e2b-dev/collab-core/internal/logger"
	"github.com/e2b-dev/collab-core/internal/middleware"
	"github.com/e2b-dev/collab-core/internal/presence"
	"github.com/e2b-dev/collab-core/internal/queue"
	"github.com/e2b-dev/collab-core/internal/ratelimit"
	"github.com/e2b-dev/collab-core/internal/store"
)

const maxRequestBody = 1 << 20 // 1 MiB; well above the 100KB code cap with room for JSON envelope.

// Deps bundles every collaborator a Control Surface handler needs. It
// plays the role the teacher's handlers.APIStore plays for its own
// generated handler interface, minus code generation: handlers here are
// hand-written against spec §6.1 rather than an OpenAPI document.
type Deps struct {
	Rooms    *store.RoomStore
	Sessions *crdt.SessionManager
	Presence *presence.Tracker
	Queue    *queue.Queue
	DB       *pgxpool.Pool
	Redis    redis.UniversalClient

	CreateLimiter *ratelimit.Limiter
	JoinLimiter   *ratelimit.Limiter

	Logger *logger.Logger
}

type api struct {
	Deps
}

// NewRouter assembles the Gin engine the way the teacher's NewGinServer
// assembles its own: gin.New() plus explicit Recovery, CORS, a request
// size limit and the shared logging middleware, followed by route
// registration.
func NewRouter(deps Deps) *gin.Engine {
	a := &api{Deps: deps}

	r := gin.New()
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "User-Agent"}
	r.Use(cors.New(corsConfig))

	r.Use(limits.RequestSizeLimiter(maxRequestBody))

	r.Use(middleware.Logging(deps.Logger, middleware.LoggingConfig{
		TimeFormat:   time.RFC3339Nano,
		UTC:          true,
		DefaultLevel: zapcore.InfoLevel,
		SkipPaths:    map[string]bool{"/health/db": true, "/health/queue": true},
	}))

	r.POST("/rooms", a.addressLimit(deps.CreateLimiter), a.createRoom)
	r.POST("/rooms/join", a.addressLimit(deps.JoinLimiter), a.joinRoom)
	r.POST("/rooms/leave", a.leaveRoom)
	r.GET("/rooms/:roomId", a.getRoom)
	r.PUT("/rooms/:roomId", a.updateRoom)
	r.GET("/rooms/:roomId/participants", a.listParticipants)
	r.PUT("/rooms/:roomId/cursor", a.updateCursor)

	r.POST("/compile", a.submitCompile)
	r.GET("/compile/:jobId", a.getCompile)
	r.DELETE("/compile/:jobId", a.cancelCompile)

	r.GET("/health/db", a.healthDB)
	r.GET("/health/queue", a.healthQueue)

	r.GET("/internal/queue/stats", a.queueStats)

	return r
}

func dbPing(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return pool.Ping(ctx)
}

func redisPing(ctx context.Context, rdb redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
