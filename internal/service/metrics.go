package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	topUpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tgpay_topups_total",
		Help: "Top-up creation attempts by outcome",
	}, []string{"outcome"})

	webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tgpay_webhook_notifications_total",
		Help: "Gateway notifications by reconciliation result",
	}, []string{"result"})
)
