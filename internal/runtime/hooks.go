package runtime

import (
	"time"

	loggingpkg "github.com/drblury/topicplugins/internal/runtime/logging"
	"github.com/drblury/topicplugins/internal/runtime/metadata"
)

// DispatchInfo describes one message dispatch to hooks.
type DispatchInfo struct {
	Topic        string
	Subscription string
	// Source is SourceDeadLetter or SourceLive.
	Source         string
	MessageID      string
	SequenceNumber int64
	CorrelationID  string
	EntityName     string
	EntityID       string
	Operation      string
	Metadata       metadata.Metadata
	StartedAt      time.Time
	// Duration is only set in OnDone and OnError.
	Duration time.Duration
}

func (d DispatchInfo) logFields() loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"topic":           d.Topic,
		"subscription":    d.Subscription,
		"source":          d.Source,
		"message_id":      d.MessageID,
		"sequence_number": d.SequenceNumber,
		"correlation_id":  d.CorrelationID,
		"entity_name":     d.EntityName,
		"entity_id":       d.EntityID,
		"operation":       d.Operation,
	}
}

// DispatchHooks are called around every dispatch of a decoded message.
// All hooks are optional.
type DispatchHooks struct {
	OnStart func(info DispatchInfo)
	OnDone  func(info DispatchInfo)
	OnError func(info DispatchInfo, err error)
}

// Merge combines two DispatchHooks; the hooks from other run after h's.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnStart: chainHook(h.OnStart, other.OnStart),
		OnDone:  chainHook(h.OnDone, other.OnDone),
		OnError: chainErrorHook(h.OnError, other.OnError),
	}
}

func chainHook[T any](a, b func(T)) func(T) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(v T) {
		a(v)
		b(v)
	}
}

func chainErrorHook[T any](a, b func(T, error)) func(T, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(v T, err error) {
		a(v, err)
		b(v, err)
	}
}

func (h DispatchHooks) start(info DispatchInfo) {
	if h.OnStart != nil {
		h.OnStart(info)
	}
}

func (h DispatchHooks) finish(info DispatchInfo, err error) {
	if err != nil {
		if h.OnError != nil {
			h.OnError(info, err)
		}
		return
	}
	if h.OnDone != nil {
		h.OnDone(info)
	}
}

// LoggingHooks returns hooks that log dispatch lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) DispatchHooks {
	return DispatchHooks{
		OnStart: func(info DispatchInfo) {
			logger.Debug("Dispatch started", info.logFields())
		},
		OnDone: func(info DispatchInfo) {
			fields := info.logFields()
			fields["duration_ms"] = info.Duration.Milliseconds()
			logger.Info("Dispatch completed", fields)
		},
		OnError: func(info DispatchInfo, err error) {
			fields := info.logFields()
			fields["duration_ms"] = info.Duration.Milliseconds()
			logger.Error("Dispatch failed", err, fields)
		},
	}
}

// AlertingHooks returns hooks that call alertFunc on dispatch errors.
func AlertingHooks(alertFunc func(info DispatchInfo, err error)) DispatchHooks {
	return DispatchHooks{
		OnError: alertFunc,
	}
}
