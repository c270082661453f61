package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	DocumentCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artifact_document_commits_total",
		Help: "Snapshot commits attempted per result.",
	}, []string{"result"})
	DocumentCommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "artifact_document_commit_duration_seconds",
		Help:    "Time spent writing one snapshot through the persistence gateway.",
		Buckets: prometheus.DefBuckets,
	})
	DocumentCommitsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_document_commits_coalesced_total",
		Help: "Debounced mutations that re-armed a pending commit timer instead of writing.",
	})
	DocumentCommitsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_document_commits_skipped_total",
		Help: "Scheduled commits dropped because content matched the current version.",
	})
	StreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artifact_stream_events_total",
		Help: "Events published on chat data streams, by type.",
	}, []string{"type"})
	ChatTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artifact_chat_turns_total",
		Help: "Completed chat turns per result.",
	}, []string{"result"})
	AssistantPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "artifact_assistant_message_persist_failures_total",
		Help: "Assistant messages that could not be saved after a delivered stream.",
	})
)
