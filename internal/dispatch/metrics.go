/*
Outbox - durable outbound email dispatcher.
Copyright © 2021-2024 Outbox contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package dispatch

import "github.com/prometheus/client_golang/prometheus"

var sentCnt = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "outbox",
		Subsystem: "dispatch",
		Name:      "sent",
		Help:      "Messages accepted by the remote server",
	},
)

var failedCnt = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "outbox",
		Subsystem: "dispatch",
		Name:      "failed",
		Help:      "Messages dropped after a permanent failure or exhausted retries",
	},
)

var bouncedCnt = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "outbox",
		Subsystem: "dispatch",
		Name:      "bounced",
		Help:      "Messages removed from the queue due to a correlated bounce",
	},
)

var spamVerdictCnt = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "outbox",
		Subsystem: "dispatch",
		Name:      "spam_verdicts",
		Help:      "SpamAssassin verdicts for sent messages",
	},
	[]string{"verdict"},
)

func init() {
	prometheus.MustRegister(sentCnt)
	prometheus.MustRegister(failedCnt)
	prometheus.MustRegister(bouncedCnt)
	prometheus.MustRegister(spamVerdictCnt)
}
