package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/likeminded/reddit-core/apicore"
	"github.com/likeminded/reddit-core/client"
	"github.com/likeminded/reddit-core/coreerr"
	"github.com/likeminded/reddit-core/poller"
	"github.com/likeminded/reddit-core/queue"
	"github.com/likeminded/reddit-core/utils"
)

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	logLevel := flag.String("log-level", "debug", "Logging level (debug, info, warn, error)")
	flag.Parse()

	log := setupLogger(*logLevel)
	log.Info("Starting Reddit API Core")

	config, err := utils.LoadConfig(*envPath, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	log.WithFields(logrus.Fields{
		"subreddits":  config.Reddit.Subreddits,
		"server_port": config.Server.Port,
	}).Info("Configuration loaded")

	core, err := apicore.New(config, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to build API core")
	}
	core.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bgPoller := poller.New(core, config.Reddit.Subreddits, 30*time.Second, log)
	go func() {
		if err := bgPoller.Run(ctx); err != nil && err != context.Canceled {
			log.WithError(err).Error("poller stopped unexpectedly")
		}
	}()

	go startEchoServer(ctx, config.Server.Port, core, bgPoller, log, config.RateLimit.MaxRequestsPerWindow)

	waitForShutdown(cancel, core, log)
}

// setupLogger sets up the logger with the specified log level
func setupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// startEchoServer starts the Echo HTTP API server exposing the Caller API.
func startEchoServer(ctx context.Context, port int, core *apicore.ApiCore, bgPoller *poller.Poller, log *logrus.Logger, maxRequestsPerWindow int) {
	e := echo.New()

	// middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	requestsPerSecond := float64(maxRequestsPerWindow) / 60.0
	edgeRateLimit := rate.Limit(requestsPerSecond * 0.95) // use 95% of the rate limit to be safe

	rateLimiterConfig := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      edgeRateLimit,
				Burst:     1, // no burst capability
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded, please try again later",
			})
		},
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded, please try again later",
			})
		},
	}
	e.Use(middleware.RateLimiterWithConfig(rateLimiterConfig))

	e.GET("/auth/login", func(c echo.Context) error {
		authURL, _, err := core.GenerateAuthURL()
		if err != nil {
			return writeCoreError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"auth_url": authURL})
	})

	e.GET("/auth/callback", func(c echo.Context) error {
		csrf := c.QueryParam("state")
		token, err := core.HandleAuthCallback(c.Request().Context(), c.Request().URL.String(), csrf)
		if err != nil {
			return writeCoreError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"expires_at": token.ExpiresAt})
	})

	e.GET("/api/me", func(c echo.Context) error {
		requestID := c.Response().Header().Get(echo.HeaderXRequestID)
		user, err := core.FetchUserInfo(c.Request().Context(), requestID)
		if err != nil {
			return writeCoreError(c, err)
		}
		return c.JSON(http.StatusOK, user)
	})

	e.GET("/api/r/:subreddit", func(c echo.Context) error {
		subreddit := c.Param("subreddit")
		opts := client.SubredditPostsOptions{
			Sort:      c.QueryParam("sort"),
			After:     c.QueryParam("after"),
			RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
		}
		listing, err := core.FetchSubredditPosts(c.Request().Context(), subreddit, opts)
		if err != nil {
			return writeCoreError(c, err)
		}
		return c.JSON(http.StatusOK, listing)
	})

	e.POST("/api/r/:subreddit/deferred", func(c echo.Context) error {
		subreddit := c.Param("subreddit")
		requestID, _, err := core.EnqueueDeferredRequest(c.Request().Context(), queue.EnqueueOptions{
			Method:        http.MethodGet,
			Endpoint:      fmt.Sprintf("/r/%s/hot", subreddit),
			Priority:      1,
			OperationType: "get_subreddit_posts",
			Subreddit:     subreddit,
		})
		if err != nil {
			return writeCoreError(c, err)
		}
		return c.JSON(http.StatusAccepted, map[string]string{"request_id": requestID})
	})

	e.DELETE("/api/deferred/:requestId", func(c echo.Context) error {
		if core.CancelDeferredRequest(c.Param("requestId")) {
			return c.NoContent(http.StatusNoContent)
		}
		return c.JSON(http.StatusNotFound, map[string]string{"error": "request not found or already executing"})
	})

	e.GET("/api/dashboard", func(c echo.Context) error {
		forceRefresh := c.QueryParam("refresh") == "true"
		data, err := core.GetDashboardData(c.Request().Context(), forceRefresh)
		if err != nil {
			return writeCoreError(c, err)
		}
		return c.JSON(http.StatusOK, data)
	})

	e.GET("/api/poller/snapshot", func(c echo.Context) error {
		return c.JSON(http.StatusOK, bgPoller.GetSnapshot())
	})

	// health check endpoint; useful for k8s liveliness probes
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	// start the server!
	go func() {
		serverAddr := fmt.Sprintf(":%d", port)
		log.WithField("port", port).Info("Starting API server")
		if err := e.Start(serverAddr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("API server failed")
		}
	}()

	// wait for context cancellation to shut down server
	<-ctx.Done()
	log.Info("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("API server shutdown failed")
	}
}

// writeCoreError maps a coreerr.CoreError onto an HTTP status and the
// error's user-facing message, per spec.md §7's classification table.
func writeCoreError(c echo.Context, err error) error {
	var coreErr coreerr.CoreError
	if !errors.As(err, &coreErr) {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	status := http.StatusInternalServerError
	switch coreErr.Class() {
	case "AUTHENTICATION_FAILED", "INVALID_TOKEN":
		status = http.StatusUnauthorized
	case "FORBIDDEN":
		status = http.StatusForbidden
	case "NOT_FOUND":
		status = http.StatusNotFound
	case "REDDIT_RATE_LIMIT", "QUEUE_FULL":
		status = http.StatusTooManyRequests
	case "CIRCUIT_OPEN", "SERVER_ERROR", "ENDPOINT_UNAVAILABLE":
		status = http.StatusServiceUnavailable
	case "REQUEST_TIMEOUT":
		status = http.StatusGatewayTimeout
	case "INVALID_RESPONSE":
		status = http.StatusBadGateway
	}

	return c.JSON(status, map[string]string{"error": coreErr.UserMessage(), "class": coreErr.Class()})
}

// waitForShutdown waits for a shutdown signal
func waitForShutdown(cancel context.CancelFunc, core *apicore.ApiCore, log *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Shutdown signal received")

	cancel()

	if err := core.Stop(); err != nil {
		log.WithError(err).Error("error stopping API core")
	}

	log.Info("Reddit API Core stopped")
}
