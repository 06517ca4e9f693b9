// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

// Package rundata persists the completed run ledger, so a restarted sweep
// picks up where the previous one stopped instead of repeating work.
package rundata
