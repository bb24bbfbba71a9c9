// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"github.com/LeeDigitalWorks/zapoffload/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TransitionsTotal tracks lifecycle actions by outcome
	TransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapoffload",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Total number of record lifecycle actions",
	}, []string{"action", "result"}) // result: "ok", "error", "fallback", "skipped"

	// TransferredBytes tracks bytes moved between local disk and backends
	TransferredBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapoffload",
		Subsystem: "lifecycle",
		Name:      "transferred_bytes_total",
		Help:      "Total bytes moved by lifecycle actions",
	}, []string{"action"})
)

func init() {
	debug.Registry().MustRegister(
		TransitionsTotal,
		TransferredBytes,
	)
}

const (
	actionUpload  = "upload"
	actionDemote  = "demote"
	actionMigrate = "migrate"
	actionAdopt   = "adopt"
	actionDelete  = "delete"
)

func observe(action, result string) {
	TransitionsTotal.WithLabelValues(action, result).Inc()
}
