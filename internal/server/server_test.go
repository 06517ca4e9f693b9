// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mia-platform/furcate/internal/runner"
)

func TestHealthRoutes(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil)
	for _, path := range []string{"/-/healthz", "/-/ready"} {
		request := httptest.NewRequest(http.MethodGet, path, nil)
		response, err := srv.app.Test(request)
		require.NoError(t, err)

		body, err := io.ReadAll(response.Body)
		require.NoError(t, err)
		require.NoError(t, response.Body.Close())

		assert.Equal(t, http.StatusOK, response.StatusCode, path)
		assert.JSONEq(t, `{"name":"furcate","status":"OK","version":"DEV"}`, string(body), path)
	}
}

func TestStatusRoute(t *testing.T) {
	t.Parallel()

	snapshot := runner.Status{
		Slots:     2,
		Queued:    3,
		Running:   map[int]string{0: "run-a1b2c3d4"},
		Completed: 1,
		Elapsed:   "1.5s",
	}
	srv := testServer(t, func() runner.Status { return snapshot })

	request := httptest.NewRequest(http.MethodGet, "/-/status", nil)
	response, err := srv.app.Test(request)
	require.NoError(t, err)

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())

	assert.Equal(t, http.StatusOK, response.StatusCode)
	expected := `{
		"slots": 2,
		"queued": 3,
		"running": {"0": "run-a1b2c3d4"},
		"completed": 1,
		"failed": 0,
		"elapsed": "1.5s"
	}`
	assert.JSONEq(t, expected, string(body))
}

func TestStatusRouteWithoutSweep(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil)

	request := httptest.NewRequest(http.MethodGet, "/-/status", nil)
	response, err := srv.app.Test(request)
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())

	assert.Equal(t, http.StatusNoContent, response.StatusCode)
}

func TestAddRoute(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil)

	var handledBody []byte
	var handledHeaders http.Header
	srv.AddRoute(http.MethodPost, "/-/reload", func(_ context.Context, headers http.Header, body []byte) error {
		handledHeaders = headers
		handledBody = body
		return nil
	})

	request := httptest.NewRequest(http.MethodPost, "/-/reload", strings.NewReader("payload"))
	request.Header.Set("X-Test", "value")
	response, err := srv.app.Test(request)
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())

	assert.Equal(t, http.StatusNoContent, response.StatusCode)
	assert.Equal(t, "payload", string(handledBody))
	assert.Equal(t, "value", handledHeaders.Get("X-Test"))
}

func TestAddRouteHandlerError(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil)
	srv.AddRoute(http.MethodPost, "/-/reload", func(context.Context, http.Header, []byte) error {
		return errors.New("reload failed")
	})

	request := httptest.NewRequest(http.MethodPost, "/-/reload", nil)
	response, err := srv.app.Test(request)
	require.NoError(t, err)

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())

	assert.Equal(t, http.StatusInternalServerError, response.StatusCode)
	expected := `{
		"statusCode": 500,
		"error": "Internal Server Error",
		"message": "error processing request"
	}`
	assert.JSONEq(t, expected, string(body))
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil)

	listening := make(chan struct{})
	srv.app.Hooks().OnListen(func(fiber.ListenData) error {
		close(listening)
		return nil
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case <-listening:
	case <-time.After(5 * time.Second):
		t.Fatal("server never started listening")
	}

	require.NoError(t, srv.Stop())
	require.NoError(t, <-errChan)
}

func TestStartAsync(t *testing.T) {
	t.Parallel()

	srv := testServer(t, nil)

	listening := make(chan struct{})
	srv.app.Hooks().OnListen(func(fiber.ListenData) error {
		close(listening)
		return nil
	})

	srv.StartAsync(t.Context())

	select {
	case <-listening:
	case <-time.After(5 * time.Second):
		t.Fatal("server never started listening")
	}

	require.NoError(t, srv.Stop())
}

// testServer builds a server on an ephemeral port so parallel tests never
// contend for an address.
func testServer(t *testing.T, status StatusFunc) *impServer {
	t.Helper()

	cfg := &Config{DisableStartupMessage: true, HTTPPort: 0}
	srv, ok := NewServer(t.Context(), cfg, status).(*impServer)
	require.True(t, ok)
	return srv
}
