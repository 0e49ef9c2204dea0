// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package killswitch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	triggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "killswitch",
		Name:      "triggers_total",
		Help:      "Kill switch triggers by reason.",
	}, []string{"reason"})

	recoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "killswitch",
		Name:      "recoveries_total",
		Help:      "Kill switch recoveries back to active.",
	})

	forceKillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "killswitch",
		Name:      "force_kills_total",
		Help:      "Hard-stop signals issued to non-compliant agents.",
	})

	ackRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel",
		Subsystem: "killswitch",
		Name:      "acknowledgment_rate",
		Help:      "Fraction of expected agents that confirmed stopping.",
	})

	backupTriggersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "killswitch",
		Name:      "backup_triggers_total",
		Help:      "Triggers consumed from the backup channel.",
	})

	selfTestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "killswitch",
		Name:      "self_tests_total",
		Help:      "Self-test runs by outcome.",
	}, []string{"outcome"})
)
