// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/mia-platform/furcate/internal/info"
	"github.com/mia-platform/furcate/internal/logger"
	"github.com/mia-platform/furcate/internal/runner"
)

const (
	loggerName = "furcate:server"
)

// StatusFunc returns the live sweep snapshot served on /-/status.
type StatusFunc func() runner.Status

type Server interface {
	AddRoute(method string, path string, handler func(ctx context.Context, headers http.Header, body []byte) error)
	Start() error
	Stop() error
	StartAsync(ctx context.Context)
}

type impServer struct {
	Config

	app *fiber.App
}

var (
	ErrServerListen   = errors.New("server listen error")
	ErrServerShutdown = errors.New("server shutdown error")
)

// NewServer assembles the fiber app with the health and status routes. A
// nil status leaves /-/status answering 204 until a sweep is attached.
func NewServer(ctx context.Context, cfg *Config, status StatusFunc) Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: cfg.DisableStartupMessage,
		Immutable:             true, // ensure that accessing request body returns a copy that is valid after the request lifecycle (accessing body and headers in goroutines in the request handlers)
	})
	log := logger.FromContext(ctx)
	app.Use(logger.RequestMiddlewareLogger(log, []string{"/-/"}))

	statusRoutes(app, status)

	return &impServer{
		app:    app,
		Config: *cfg,
	}
}

func statusRoutes(app *fiber.App, status StatusFunc) {
	health := func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{
			"name":    info.AppName,
			"status":  "OK",
			"version": info.Version,
		})
	}

	app.Get("/-/healthz", health)
	app.Get("/-/ready", health)
	app.Get("/-/status", func(ctx *fiber.Ctx) error {
		if status == nil {
			return ctx.SendStatus(http.StatusNoContent)
		}
		return ctx.JSON(status())
	})
}

func (s *impServer) AddRoute(method string, path string, handler func(ctx context.Context, headers http.Header, body []byte) error) {
	s.app.Add(method, path, func(ctx *fiber.Ctx) error {
		if err := handler(ctx.UserContext(), ctx.GetReqHeaders(), ctx.Body()); err != nil {
			return ctx.Status(http.StatusInternalServerError).JSON(fiber.Map{
				"statusCode": http.StatusInternalServerError,
				"error":      http.StatusText(http.StatusInternalServerError),
				"message":    "error processing request",
			})
		}
		return ctx.SendStatus(http.StatusNoContent)
	})
}

func (s *impServer) Start() error {
	if err := s.app.Listen(fmt.Sprintf(":%d", s.HTTPPort)); err != nil {
		return fmt.Errorf("%w: %w", ErrServerListen, err)
	}
	return nil
}

func (s *impServer) Stop() error {
	if err := s.app.Shutdown(); err != nil {
		return fmt.Errorf("%w: %w", ErrServerShutdown, err)
	}
	return nil
}

func (s *impServer) StartAsync(ctx context.Context) {
	log := logger.FromContext(ctx).WithName(loggerName)
	go func() {
		if err := s.Start(); err != nil {
			log.Error(err.Error())
		}
	}()
}
