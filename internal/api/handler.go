// Package api is the HTTP boundary: the signal webhook, the operator API,
// the websocket event stream and the metrics endpoint. It owns no trading
// logic; every decision is delegated to the gateway, guard and risk engine.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradegate/internal/broker"
	"tradegate/internal/events"
	"tradegate/internal/gateway"
	"tradegate/internal/guard"
	"tradegate/internal/reconcile"
	"tradegate/internal/risk"
	"tradegate/pkg/db"
)

// Server wires HTTP endpoints around the trading core.
type Server struct {
	Router      *gin.Engine
	Bus         *events.Bus
	DB          *db.Database
	Gateway     *gateway.Gateway
	Risk        *risk.Engine
	Guard       *guard.Guard
	Broker      *broker.Gateway
	Rec         *reconcile.Reconciler
	Registry    *prometheus.Registry
	JWTSecret   string
	OperatorKey string
}

type Deps struct {
	Bus         *events.Bus
	DB          *db.Database
	Gateway     *gateway.Gateway
	Risk        *risk.Engine
	Guard       *guard.Guard
	Broker      *broker.Gateway
	Rec         *reconcile.Reconciler
	Registry    *prometheus.Registry
	JWTSecret   string
	OperatorKey string
}

func NewServer(d Deps) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:      r,
		Bus:         d.Bus,
		DB:          d.DB,
		Gateway:     d.Gateway,
		Risk:        d.Risk,
		Guard:       d.Guard,
		Broker:      d.Broker,
		Rec:         d.Rec,
		Registry:    d.Registry,
		JWTSecret:   d.JWTSecret,
		OperatorKey: d.OperatorKey,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	s.Router.POST("/webhook", s.webhook)
	if s.Registry != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.loginOperator)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/positions", s.getPositions)
			protected.GET("/orders", s.getOrders)
			protected.GET("/risk", s.getRisk)
			protected.GET("/session", s.getSession)
			protected.POST("/strategies/:name/exit", s.exitStrategy)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	alive := false
	if s.Rec != nil {
		alive = s.Rec.Alive(2 * time.Minute)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"reconcile_alive": alive,
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
