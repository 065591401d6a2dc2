package service

import (
	"context"
	"maps"
	"time"

	"github.com/rs/zerolog/log"

	"pressdesk/backend/internal/domain"
	"pressdesk/backend/internal/store"
	"pressdesk/backend/internal/xid"
)

const (
	entityJob        = "job"
	entityDaySheet   = "daysheet"
	entityShift      = "shift"
	entityAnomaly    = "anomaly_flag"
	entityCorrection = "correction"
)

type event struct {
	entityType string
	entityID   string
	name       string
	branchID   string
	payload    map[string]any
}

// emit appends the status log row and queues the shadow event inside the
// caller's transaction. Audit failures are logged and never abort the
// financial write.
func (s *Service) emit(ctx context.Context, q store.Queries, actor domain.Actor, ev event) {
	now := s.now()
	payload := maps.Clone(ev.payload)
	if payload == nil {
		payload = make(map[string]any, 3)
	}

	entry := domain.StatusLog{
		ID:         xid.New("log"),
		EntityType: ev.entityType,
		EntityID:   ev.entityID,
		Event:      ev.name,
		ActorID:    actor.Username,
		ActorRole:  actor.Role,
		Payload:    payload,
		CreatedAt:  now,
	}
	if err := q.CreateStatusLog(ctx, entry); err != nil {
		log.Warn().Err(err).Str("event", ev.name).Str("entity_id", ev.entityID).Msg("service: failed to write status log")
	}

	shadowPayload := maps.Clone(payload)
	shadowPayload["entity_type"] = ev.entityType
	shadowPayload["entity_id"] = ev.entityID
	shadowPayload["timestamp"] = now.Format(time.RFC3339Nano)

	shadow := domain.ShadowEvent{
		ID:            xid.New("evt"),
		EventType:     ev.name,
		BranchID:      ev.branchID,
		Actor:         actor,
		Payload:       shadowPayload,
		Timestamp:     now,
		NextAttemptAt: now,
	}
	if err := q.CreateShadowEvent(ctx, shadow); err != nil {
		log.Warn().Err(err).Str("event", ev.name).Str("entity_id", ev.entityID).Msg("service: failed to queue shadow event")
	}
}

// raiseFlag stores an anomaly flag and, when eventName is set, its audit
// trail. Returns nil when the flag could not be written.
func (s *Service) raiseFlag(ctx context.Context, q store.Queries, flag domain.AnomalyFlag, eventName string, payload map[string]any) *domain.AnomalyFlag {
	flag.ID = xid.New("flag")
	flag.CreatedAt = s.now()
	if err := q.CreateAnomalyFlag(ctx, flag); err != nil {
		log.Warn().Err(err).Str("flag_type", flag.Type).Str("daysheet_id", flag.DaySheetID).Msg("service: failed to create anomaly flag")
		return nil
	}
	if eventName == "" {
		return &flag
	}

	body := maps.Clone(payload)
	if body == nil {
		body = make(map[string]any, 4)
	}
	body["flag_type"] = flag.Type
	body["severity"] = flag.Severity
	body["description"] = flag.Description
	body["notified_to"] = flag.NotifiedTo
	s.emit(ctx, q, systemActor, event{
		entityType: entityAnomaly,
		entityID:   flag.ID,
		name:       eventName,
		branchID:   flag.BranchID,
		payload:    body,
	})
	return &flag
}
