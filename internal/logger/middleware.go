// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package logger

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	forwardedHostHeaderKey = "x-forwarded-host"
	forwardedForHeaderKey  = "x-forwarded-for"
	requestIDHeaderName    = "x-request-id"

	IncomingRequestMessage  = "incoming request"
	RequestCompletedMessage = "request completed"
)

// http is the struct of the log formatter.
type http struct {
	Request  *request  `json:"request,omitempty"`
	Response *response `json:"response,omitempty"`
}

// request contains the items of request info log.
type request struct {
	Method    string `json:"method,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// response contains the items of response info log.
type response struct {
	StatusCode int `json:"statusCode,omitempty"`
	Bytes      int `json:"bytes,omitempty"`
}

// host has the host information.
type host struct {
	Hostname      string `json:"hostname,omitempty"`
	ForwardedHost string `json:"forwardedHost,omitempty"`
	IP            string `json:"ip,omitempty"`
}

// url info
type url struct {
	Path string `json:"path,omitempty"`
}

func removePort(host string) string {
	return strings.Split(host, ":")[0]
}

// GetReqID returns the id of the inbound request, generating a random one
// when the header is missing.
func GetReqID(c *fiber.Ctx) string {
	if requestID := c.Get(requestIDHeaderName); requestID != "" {
		return requestID
	}

	// Generate a random uuid string. e.g. 16c9c1f2-c001-40d3-bbfe-48857367e7b5
	requestID, err := uuid.NewRandom()
	if err != nil {
		panic(fmt.Errorf("error generating request id: %w", err))
	}

	return requestID.String()
}

func requestLog(c *fiber.Ctx) (http, url, host) {
	return http{
			Request: &request{
				Method:    c.Method(),
				UserAgent: c.Get("user-agent"),
			},
		},
		url{Path: string(c.Request().URI().RequestURI())},
		host{
			ForwardedHost: c.Get(forwardedHostHeaderKey),
			Hostname:      removePort(string(c.Request().Host())),
			IP:            c.Get(forwardedForHeaderKey),
		}
}

func statusCode(c *fiber.Ctx, handlerErr error) int {
	if fiberErr, ok := handlerErr.(*fiber.Error); handlerErr != nil && ok {
		return fiberErr.Code
	}

	return c.Response().StatusCode()
}

// RequestMiddlewareLogger is a fiber middleware to log all requests.
// It logs the incoming request and when request is completed, adding latency of the request.
func RequestMiddlewareLogger(logger Logger, excludedPrefix []string) func(*fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		path := string(c.Request().URI().RequestURI())
		for _, prefix := range excludedPrefix {
			if strings.HasPrefix(path, prefix) {
				return c.Next()
			}
		}

		start := time.Now()

		requestID := GetReqID(c)
		loggerWithReqID := logger.WithName("request").WithName(requestID)

		ctx := WithContext(c.UserContext(), loggerWithReqID)
		c.SetUserContext(ctx)

		httpLog, urlLog, hostLog := requestLog(c)
		loggerWithReqID.
			WithName("incoming_request").
			Trace(IncomingRequestMessage, "http", httpLog, "url", urlLog, "host", hostLog)

		err := c.Next()

		httpLog, urlLog, hostLog = requestLog(c)
		httpLog.Response = &response{
			StatusCode: statusCode(c, err),
			Bytes:      len(c.Response().Body()),
		}

		loggerWithReqID.
			WithName("request_completed").
			Info(RequestCompletedMessage,
				"http", httpLog,
				"url", urlLog,
				"host", hostLog,
				"responseTime", float64(time.Since(start).Milliseconds()),
			)

		return err
	}
}
