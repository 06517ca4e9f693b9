// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package server contains the optional status server for the furcate application.
// It sets up the HTTP server using the Fiber framework, configures middleware for logging,
// and defines routes for health checks and live sweep progress.
package server
