package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesScreened = promauto.NewCounter(prometheus.CounterOpts{
	Name: "nexus_moderation_messages_screened",
	Help: "Number of messages that reached the pre-screen",
})

var messagesFlagged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "nexus_moderation_messages_flagged",
	Help: "Number of messages flagged by the pre-screen",
})

var duplicateMessages = promauto.NewCounter(prometheus.CounterOpts{
	Name: "nexus_moderation_duplicate_messages",
	Help: "Number of redelivered messages skipped",
})

var decisionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nexus_moderation_decisions",
	Help: "Number of judgments by decided action",
}, []string{"action"})

var escalationCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "nexus_moderation_escalations",
	Help: "Number of judgments routed to staff review",
})

var enforcementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nexus_moderation_enforcement_failures",
	Help: "Number of failed platform enforcement calls",
}, []string{"step"})

var judgeErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "nexus_moderation_judge_errors",
	Help: "Number of judgments that failed at the provider",
})

var judgeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "nexus_moderation_judge_duration_sec",
	Help:    "Duration of moderation judgment calls",
	Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
})
