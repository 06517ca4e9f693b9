// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package logger wraps the underlying logging stack behind a consistent
// interface and makes loggers available through context helpers.
//
// The root logger is built from a logging configuration file: every record
// at or above DEBUG is appended to the configured log file, every record at
// or above INFO is additionally written to the console, and records stop at
// the root, there is no parent to propagate to.
package logger
