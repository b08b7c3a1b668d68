// Package metrics объявляет счётчики Prometheus сервиса квот.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QuotaChecks считает решения Quota Gate по результату: allowed, denied, error.
var QuotaChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "simquota_quota_checks_total",
	Help: "Quota gate decisions by result.",
}, []string{"result"})

// QuotaResets считает сбросы счётчика по источнику: lazy, renewal.
var QuotaResets = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "simquota_quota_resets_total",
	Help: "Quota counter resets by trigger.",
}, []string{"trigger"})

// WebhookEvents считает обработанные webhook-события по типу и результату.
var WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "simquota_webhook_events_total",
	Help: "Processed billing webhook events by type and result.",
}, []string{"event_type", "result"})

// SyncOutcomes считает результаты синхронизации по подпискам.
var SyncOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "simquota_sync_outcomes_total",
	Help: "Reconciliation outcomes per subscription.",
}, []string{"outcome"})
