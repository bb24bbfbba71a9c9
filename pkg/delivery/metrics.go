// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"github.com/LeeDigitalWorks/zapoffload/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery paths, used as the metric label and in logs
const (
	PathCacheHit = "cache_hit"
	PathPresign  = "presign"
	PathFull     = "full"
	PathStream   = "stream"
	PathLocal    = "local"
	PathNotFound = "not_found"
)

var (
	ResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zapoffload",
			Subsystem: "delivery",
			Name:      "responses_total",
			Help:      "Delivery responses by the path that produced them",
		},
		[]string{"path"},
	)

	ServedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zapoffload",
			Subsystem: "delivery",
			Name:      "served_bytes_total",
			Help:      "Bytes written to clients by delivery path",
		},
		[]string{"path"},
	)
)

func init() {
	debug.Registry().MustRegister(ResponsesTotal, ServedBytes)
}
