package handlers

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"github.com/ternarybob/papyrus/internal/services/events"
	"golang.org/x/time/rate"
)

// EventSubscriber bridges session pipeline events onto the WebSocket hub.
// Whitelist filtering and throttling happen here, before the hub sees the
// event, so the hub itself stays a plain fan-out.
type EventSubscriber struct {
	handler       *WebSocketHandler
	eventService  interfaces.EventService
	logger        arbor.ILogger
	allowedEvents map[string]bool          // Whitelist of events to broadcast (empty = allow all)
	throttlers    map[string]*rate.Limiter // Rate limiters for high-frequency events
	config        *common.WebSocketConfig
}

// NewEventSubscriber creates and initializes an event subscriber
// Automatically subscribes to all session lifecycle events with config-driven filtering and throttling
func NewEventSubscriber(handler *WebSocketHandler, eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *EventSubscriber {
	s := &EventSubscriber{
		handler:      handler,
		eventService: eventService,
		logger:       logger,
		config:       config,
	}

	// Empty list means allow all events
	s.allowedEvents = make(map[string]bool)
	if config != nil && len(config.AllowedEvents) > 0 {
		for _, eventType := range config.AllowedEvents {
			s.allowedEvents[eventType] = true
		}
	}

	// Throttlers for high-frequency events (session_progress fires per page)
	s.throttlers = make(map[string]*rate.Limiter)
	if config != nil && len(config.ThrottleIntervals) > 0 {
		for eventType, intervalStr := range config.ThrottleIntervals {
			if duration, err := time.ParseDuration(intervalStr); err == nil {
				// 1 event per interval (burst=1)
				limiter := rate.NewLimiter(rate.Every(duration), 1)
				s.throttlers[eventType] = limiter
				logger.Debug().
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Throttler initialized for event type")
			} else {
				logger.Warn().
					Err(err).
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Failed to parse throttle interval - skipping throttler")
			}
		}
	}

	if eventService == nil {
		logger.Warn().Msg("EventSubscriber created with nil eventService - subscriptions will be skipped")
		return s
	}

	s.SubscribeAll()

	return s
}

// SubscribeAll registers subscriptions for all session lifecycle events
func (s *EventSubscriber) SubscribeAll() {
	if s.eventService == nil {
		s.logger.Warn().Msg("Cannot subscribe to events - eventService is nil")
		return
	}

	s.eventService.Subscribe(interfaces.EventSessionCreated, s.handleSessionCreated)
	s.eventService.Subscribe(interfaces.EventSessionStatus, s.handleSessionStatus)
	s.eventService.Subscribe(interfaces.EventSessionProgress, s.handleSessionProgress)
	s.eventService.Subscribe(interfaces.EventSessionExpired, s.handleSessionExpired)
	s.eventService.Subscribe(interfaces.EventJobStatus, s.handleJobStatus)

	s.logger.Info().Msg("EventSubscriber registered for all session lifecycle events (created, status, progress, expired, job status)")
}

// shouldBroadcastEvent checks if an event should be broadcast based on whitelist and throttling
func (s *EventSubscriber) shouldBroadcastEvent(eventType string) bool {
	// Check whitelist (empty allowedEvents = allow all)
	if len(s.allowedEvents) > 0 && !s.allowedEvents[eventType] {
		return false
	}

	if limiter, ok := s.throttlers[eventType]; ok {
		if !limiter.Allow() {
			s.logger.Debug().
				Str("event_type", eventType).
				Msg("Event throttled - rate limit exceeded")
			return false
		}
	}

	return true
}

// The payload structs already carry the wire field names, so each handler
// validates the payload type and forwards it unchanged.

func (s *EventSubscriber) handleSessionCreated(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventSessionCreated)) {
		return nil
	}

	if _, ok := event.Payload.(events.SessionCreatedPayload); !ok {
		s.logger.Warn().Msg("Invalid session created event payload type")
		return nil
	}

	s.handler.Broadcast(string(event.Type), event.Payload)
	return nil
}

func (s *EventSubscriber) handleSessionStatus(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventSessionStatus)) {
		return nil
	}

	if _, ok := event.Payload.(events.SessionStatusPayload); !ok {
		s.logger.Warn().Msg("Invalid session status event payload type")
		return nil
	}

	s.handler.Broadcast(string(event.Type), event.Payload)
	return nil
}

func (s *EventSubscriber) handleSessionProgress(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventSessionProgress)) {
		return nil
	}

	if _, ok := event.Payload.(events.SessionProgressPayload); !ok {
		s.logger.Warn().Msg("Invalid session progress event payload type")
		return nil
	}

	s.handler.Broadcast(string(event.Type), event.Payload)
	return nil
}

func (s *EventSubscriber) handleSessionExpired(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventSessionExpired)) {
		return nil
	}

	if _, ok := event.Payload.(events.SessionExpiredPayload); !ok {
		s.logger.Warn().Msg("Invalid session expired event payload type")
		return nil
	}

	s.handler.Broadcast(string(event.Type), event.Payload)
	return nil
}

func (s *EventSubscriber) handleJobStatus(ctx context.Context, event interfaces.Event) error {
	if !s.shouldBroadcastEvent(string(interfaces.EventJobStatus)) {
		return nil
	}

	if _, ok := event.Payload.(events.JobStatusPayload); !ok {
		s.logger.Warn().Msg("Invalid job status event payload type")
		return nil
	}

	s.handler.Broadcast(string(event.Type), event.Payload)
	return nil
}
