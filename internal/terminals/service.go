// Package terminals coordinates the machines attached to a license:
// session liveness, cross-terminal state synchronization and broadcast
// commands. Sessions are ephemeral presence records; the durable
// activation slots live with the enforcer.
package terminals

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	relayerr "licenserelay/internal/errors"
	"licenserelay/internal/store"
	"licenserelay/internal/transport"
)

// Repository is the slice of the store this package depends on.
type Repository interface {
	UpsertSession(ctx context.Context, key, machineHash string, status store.SessionStatus) (*store.TerminalSession, error)
	TouchSession(ctx context.Context, key, machineHash string, at time.Time) (*store.TerminalSession, error)
	DisconnectSession(ctx context.Context, key, machineHash string) error
	SweepStaleSessions(ctx context.Context, threshold time.Duration, now time.Time) ([]store.TerminalSession, error)
	ListSessions(ctx context.Context, key string, activeOnly bool) ([]store.TerminalSession, error)
	GetSessionStats(ctx context.Context, key string) (*store.SessionStats, error)
	DeactivateAllForLicense(ctx context.Context, key string) (int, error)
	CreateSyncRequest(ctx context.Context, id, licenseKey, syncType string, sourceMachine *string, payload json.RawMessage, targets []string) (*store.StateSyncRequest, error)
	GetSyncRequest(ctx context.Context, id string) (*store.StateSyncRequest, error)
	AckSyncTarget(ctx context.Context, id, machineHash string) (*store.StateSyncRequest, error)
}

// Service implements terminal session management and coordination.
type Service struct {
	repo           Repository
	transport      transport.Transport
	staleThreshold time.Duration
	logger         *slog.Logger
	now            func() time.Time
	newID          func() string
}

// NewService creates the terminals service.
func NewService(repo Repository, tr transport.Transport, staleThreshold time.Duration, logger *slog.Logger) *Service {
	return &Service{
		repo:           repo,
		transport:      tr,
		staleThreshold: staleThreshold,
		logger:         logger.With(slog.String("component", "terminals")),
		now:            time.Now,
		newID:          func() string { return uuid.NewString() },
	}
}

// Register announces a terminal under a license. The session starts in
// connecting until the first heartbeat or stream attach. Re-registering
// an existing machine refreshes the record instead of duplicating it.
func (s *Service) Register(ctx context.Context, licenseKey, machineHash string) (*store.TerminalSession, error) {
	if licenseKey == "" || machineHash == "" {
		return nil, relayerr.E(relayerr.KindValidation, "terminals.Register", "license key and machine hash are required")
	}
	sess, err := s.repo.UpsertSession(ctx, licenseKey, machineHash, store.SessionConnecting)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "terminal registered",
		slog.String("license_key", licenseKey),
		slog.String("machine_hash", machineHash))
	return sess, nil
}

// Heartbeat records liveness for a terminal and marks it connected.
func (s *Service) Heartbeat(ctx context.Context, licenseKey, machineHash string) (*store.TerminalSession, error) {
	if licenseKey == "" || machineHash == "" {
		return nil, relayerr.E(relayerr.KindValidation, "terminals.Heartbeat", "license key and machine hash are required")
	}
	return s.repo.TouchSession(ctx, licenseKey, machineHash, s.now())
}

// Disconnect marks a terminal's session disconnected. The durable
// activation slot stays claimed.
func (s *Service) Disconnect(ctx context.Context, licenseKey, machineHash string) error {
	return s.repo.DisconnectSession(ctx, licenseKey, machineHash)
}

// List returns the sessions under a license.
func (s *Service) List(ctx context.Context, licenseKey string, activeOnly bool) ([]store.TerminalSession, error) {
	if licenseKey == "" {
		return nil, relayerr.E(relayerr.KindValidation, "terminals.List", "license key is required")
	}
	return s.repo.ListSessions(ctx, licenseKey, activeOnly)
}

// Stats summarizes session liveness for a license.
func (s *Service) Stats(ctx context.Context, licenseKey string) (*store.SessionStats, error) {
	if licenseKey == "" {
		return nil, relayerr.E(relayerr.KindValidation, "terminals.Stats", "license key is required")
	}
	return s.repo.GetSessionStats(ctx, licenseKey)
}

// SweepStale forces sessions silent past the threshold to disconnected
// and returns how many were swept. Safe to invoke repeatedly.
func (s *Service) SweepStale(ctx context.Context) (int, error) {
	swept, err := s.repo.SweepStaleSessions(ctx, s.staleThreshold, s.now())
	if err != nil {
		return 0, err
	}
	for _, sess := range swept {
		s.logger.WarnContext(ctx, "terminal session went stale",
			slog.String("license_key", sess.LicenseKey),
			slog.String("machine_hash", sess.MachineHash),
			slog.Time("last_heartbeat_at", sess.LastHeartbeatAt))
	}
	return len(swept), nil
}

// SyncInput describes one state-synchronization round.
type SyncInput struct {
	LicenseKey    string
	SyncType      string
	SourceMachine string
	Payload       json.RawMessage
	Targets       []string
}

// RequestSync starts a state-synchronization round. When no explicit
// target set is given, every currently-connected terminal except the
// source is targeted. The round is recorded, then pushed to the
// license's subscribers as a state_sync frame.
func (s *Service) RequestSync(ctx context.Context, in SyncInput) (*store.StateSyncRequest, error) {
	if in.LicenseKey == "" || in.SyncType == "" {
		return nil, relayerr.E(relayerr.KindValidation, "terminals.RequestSync", "license key and sync type are required")
	}

	targets := in.Targets
	if len(targets) == 0 {
		sessions, err := s.repo.ListSessions(ctx, in.LicenseKey, true)
		if err != nil {
			return nil, err
		}
		for _, sess := range sessions {
			if sess.MachineHash != in.SourceMachine {
				targets = append(targets, sess.MachineHash)
			}
		}
	}
	if len(targets) == 0 {
		return nil, relayerr.E(relayerr.KindValidation, "terminals.RequestSync", "no target terminals for this sync")
	}

	var source *string
	if in.SourceMachine != "" {
		source = &in.SourceMachine
	}

	req, err := s.repo.CreateSyncRequest(ctx, s.newID(), in.LicenseKey, in.SyncType, source, in.Payload, targets)
	if err != nil {
		return nil, err
	}

	data, _ := json.Marshal(map[string]any{
		"sync_id":   req.ID,
		"sync_type": req.SyncType,
		"payload":   req.Payload,
		"targets":   req.Targets,
	})
	env := &transport.Envelope{
		ID:         req.ID,
		Type:       transport.EventStateSync,
		LicenseKey: req.LicenseKey,
		Timestamp:  s.now(),
		Data:       data,
	}
	if err := s.transport.Publish(ctx, req.LicenseKey, env); err != nil {
		// The round stays recorded; terminals pick it up on reconnect
		// or via status polling.
		s.logger.WarnContext(ctx, "sync publish failed",
			slog.String("sync_id", req.ID),
			slog.String("error", err.Error()))
	}

	return req, nil
}

// AckSync records one target's acknowledgment of a sync round and
// reports whether the round is now complete.
func (s *Service) AckSync(ctx context.Context, syncID, machineHash string) (*store.StateSyncRequest, bool, error) {
	if machineHash == "" {
		return nil, false, relayerr.E(relayerr.KindValidation, "terminals.AckSync", "machine hash is required")
	}
	req, err := s.repo.AckSyncTarget(ctx, syncID, machineHash)
	if err != nil {
		return nil, false, err
	}
	complete := req.Complete()
	if complete {
		s.logger.InfoContext(ctx, "sync round complete",
			slog.String("sync_id", req.ID),
			slog.Int("targets", len(req.Targets)))
	}
	return req, complete, nil
}

// SyncStatus reports the current state of a sync round.
func (s *Service) SyncStatus(ctx context.Context, syncID string) (*store.StateSyncRequest, bool, error) {
	req, err := s.repo.GetSyncRequest(ctx, syncID)
	if err != nil {
		return nil, false, err
	}
	return req, req.Complete(), nil
}

// Broadcast pushes an operator message to every terminal of a license.
// Fire-and-forget; not part of the durable event log.
func (s *Service) Broadcast(ctx context.Context, licenseKey string, payload json.RawMessage) (string, error) {
	if licenseKey == "" {
		return "", relayerr.E(relayerr.KindValidation, "terminals.Broadcast", "license key is required")
	}
	env := &transport.Envelope{
		ID:         s.newID(),
		Type:       transport.EventBroadcast,
		LicenseKey: licenseKey,
		Timestamp:  s.now(),
		Data:       payload,
	}
	if err := s.transport.Publish(ctx, licenseKey, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// DeactivateAll releases every activation slot of a license, disconnects
// its sessions and pushes a revocation event so connected terminals shut
// down through the same path as an operator revoke.
func (s *Service) DeactivateAll(ctx context.Context, licenseKey string) (int, error) {
	if licenseKey == "" {
		return 0, relayerr.E(relayerr.KindValidation, "terminals.DeactivateAll", "license key is required")
	}
	affected, err := s.repo.DeactivateAllForLicense(ctx, licenseKey)
	if err != nil {
		return 0, err
	}

	data, _ := json.Marshal(map[string]string{"reason": "all terminals deactivated"})
	env := &transport.Envelope{
		ID:         s.newID(),
		Type:       transport.EventRevocation,
		LicenseKey: licenseKey,
		Timestamp:  s.now(),
		Data:       data,
	}
	if err := s.transport.Publish(ctx, licenseKey, env); err != nil {
		s.logger.WarnContext(ctx, "deactivate broadcast failed",
			slog.String("license_key", licenseKey),
			slog.String("error", err.Error()))
	}

	s.logger.InfoContext(ctx, "all terminals deactivated",
		slog.String("license_key", licenseKey),
		slog.Int("released_slots", affected))
	return affected, nil
}
