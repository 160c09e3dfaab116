// Package api exposes the agent over HTTP with gin. Every /v1 route is a
// thin wrapper that builds an agent.Command.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"hedgeflow/config"
	"hedgeflow/internal/agent"
	"hedgeflow/internal/metrics"
	"hedgeflow/logger"
)

// CommandHandler is satisfied by *agent.Agent.
type CommandHandler interface {
	Handle(ctx context.Context, cmd agent.Command) agent.Result
}

type Server struct {
	address       string
	handler       CommandHandler
	log           *logger.Log
	events        *eventStore
	stream        *hub
	logs          *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
}

// NewServer returns nil when the server is disabled.
func NewServer(cfg config.ServerConfig, handler CommandHandler, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if handler == nil {
		return nil, errors.New("api server requires a command handler")
	}
	if log == nil {
		log = logger.GetLogger()
	}

	events := newEventStore(200)
	stream := newHub()
	logs := newLogStore(200)
	log.AddHook(logs)

	return &Server{
		address: normalizeAddress(cfg.Address),
		handler: handler,
		log:     log,
		events:  events,
		stream:  stream,
		logs:    logs,
		metricHandler: metrics.RegisterMetricHandler(func(m metrics.Metric) {
			events.handle(m)
			stream.publish(m)
		}),
	}, nil
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.address
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithComponent("api").WithFields(logger.Fields{"address": s.address}).Info("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.stream.closeAll()
	if s.logs != nil {
		s.logs.close()
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/v1")
	v1.GET("/prices/:symbol", s.command(func(c *gin.Context) agent.Command {
		return agent.Command{Action: agent.ActionPrice, Symbol: c.Param("symbol")}
	}))
	v1.GET("/funding/:symbol", s.command(func(c *gin.Context) agent.Command {
		return agent.Command{Action: agent.ActionFunding, Symbol: c.Param("symbol")}
	}))
	v1.GET("/opportunities", s.command(func(*gin.Context) agent.Command {
		return agent.Command{Action: agent.ActionScan}
	}))
	v1.GET("/positions", s.command(func(*gin.Context) agent.Command {
		return agent.Command{Action: agent.ActionPositions}
	}))
	v1.GET("/pnl", s.command(func(*gin.Context) agent.Command {
		return agent.Command{Action: agent.ActionPnL}
	}))

	v1.POST("/commands", func(c *gin.Context) {
		var cmd agent.Command
		if err := c.ShouldBindJSON(&cmd); err != nil {
			c.JSON(http.StatusBadRequest, agent.Result{Code: agent.CodeInvalidArgument, Error: err.Error()})
			return
		}
		s.respond(c, s.handler.Handle(c.Request.Context(), cmd))
	})

	v1.GET("/events", func(c *gin.Context) {
		snapshot := s.events.snapshot()
		payload := make([]streamEvent, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, toStreamEvent(m))
		}
		c.JSON(http.StatusOK, gin.H{"events": payload})
	})
	v1.GET("/stream", s.serveStream)
	v1.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logs.snapshot()})
	})

	return router, nil
}

func (s *Server) command(build func(*gin.Context) agent.Command) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respond(c, s.handler.Handle(c.Request.Context(), build(c)))
	}
}

func (s *Server) respond(c *gin.Context, res agent.Result) {
	c.JSON(statusFor(res), res)
}

func statusFor(res agent.Result) int {
	if res.OK {
		return http.StatusOK
	}
	switch res.Code {
	case agent.CodeInvalidArgument:
		return http.StatusBadRequest
	case agent.CodeNotFound:
		return http.StatusNotFound
	case agent.CodeConflict:
		return http.StatusConflict
	case agent.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if parsed.Host != "" {
				addr = parsed.Host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") || net.ParseIP(addr) != nil {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
