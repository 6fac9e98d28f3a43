/*
Copyright 2016 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package hook

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds prometheus collectors for the webhook receiver.
type Metrics struct {
	WebhookCounter  *prometheus.CounterVec
	ResponseCounter *prometheus.CounterVec
}

// NewMetrics registers and returns the hook server's collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		WebhookCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "borsbot_webhook_counter",
			Help: "A counter of the webhooks received by borsbot, by event type.",
		}, []string{"event_type"}),
		ResponseCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "borsbot_webhook_response_codes",
			Help: "A counter of the HTTP response codes the webhook receiver returned.",
		}, []string{"response_code"}),
	}
	prometheus.MustRegister(m.WebhookCounter)
	prometheus.MustRegister(m.ResponseCounter)
	return m
}
