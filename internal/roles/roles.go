// Package roles records role grants and revocations for the routine
// achievement system. Applying a role to a chat member is the platform
// layer's job; this service publishes the decision on the event bus and in
// the audit log so that layer (or an operator) can act on it.
package roles

import (
	"context"
	"time"

	"cerebroso/internal/eventbus"
	"cerebroso/internal/storage"
	logx "cerebroso/pkg/logx"
)

// Manager is the role-management collaborator seen by the routine engine.
// routineID names the routine whose achievement triggered the change.
type Manager interface {
	Grant(ctx context.Context, memberID int64, role, routineID string) error
	Revoke(ctx context.Context, memberID int64, role, routineID string) error
}

// Change is the bus payload for role.granted / role.revoked events.
type Change struct {
	MemberID  int64     `json:"member_id"`
	Role      string    `json:"role"`
	RoutineID string    `json:"routine_id"`
	At        time.Time `json:"at"`
}

type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	audit storage.Store
}

func New(log logx.Logger, bus eventbus.Bus, audit storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, bus: bus, audit: audit}
}

func (s *Service) Grant(ctx context.Context, memberID int64, role, routineID string) error {
	return s.record(ctx, eventbus.TypeRoleGranted, "granted", memberID, role, routineID)
}

func (s *Service) Revoke(ctx context.Context, memberID int64, role, routineID string) error {
	return s.record(ctx, eventbus.TypeRoleRevoked, "revoked", memberID, role, routineID)
}

func (s *Service) record(ctx context.Context, eventType, outcome string, memberID int64, role, routineID string) error {
	now := time.Now()
	s.log.Info("role "+outcome,
		logx.Int64("member", memberID), logx.String("role", role), logx.String("routine", routineID))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventType,
			Time: now,
			Data: Change{MemberID: memberID, Role: role, RoutineID: routineID, At: now},
		})
	}
	if s.audit != nil {
		actx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		defer cancel()
		// The role name rides in ItemID; Record stays schema-stable.
		if err := s.audit.AppendAudit(actx, storage.Record{
			At: now, Kind: "role", OwnerID: memberID, ItemID: role, RoutineID: routineID, Outcome: outcome,
		}); err != nil {
			s.log.Debug("role audit failed", logx.Err(err))
		}
	}
	return nil
}
