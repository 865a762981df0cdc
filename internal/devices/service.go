// Package devices manages the sensing-device registry: registration with a
// per-device API key, heartbeat ingestion, and the health monitor that
// detects silent failures.
package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kinamba/erm-core/internal/audit"
	"github.com/kinamba/erm-core/internal/auth"
	"github.com/kinamba/erm-core/internal/data"
	"github.com/kinamba/erm-core/internal/metrics"
)

var (
	ErrInvalidCredential = errors.New("invalid device credential")
)

type Auditor interface {
	Append(ctx context.Context, rec audit.Record) error
}

// FeedNotifier mirrors registry and status changes onto the change feed.
type FeedNotifier interface {
	DeviceChanged(op string, d *data.Device)
	AlertRaised(a *data.Alert)
}

type Service struct {
	repo   data.DeviceRepository
	alerts data.AlertRepository
	audits Auditor
	feed   FeedNotifier
}

func NewService(repo data.DeviceRepository, alerts data.AlertRepository, audits Auditor) *Service {
	return &Service{repo: repo, alerts: alerts, audits: audits}
}

// SetFeedNotifier wires the change feed; nil leaves the feed dark.
func (s *Service) SetFeedNotifier(f FeedNotifier) { s.feed = f }

// Register creates a device and returns its API key. The plaintext key is
// returned exactly once; only the argon2id hash is stored.
func (s *Service) Register(ctx context.Context, id, name, actor string) (*data.Device, string, error) {
	if id == "" {
		return nil, "", fmt.Errorf("missing device id")
	}

	apiKey := uuid.New().String()
	hash, err := auth.HashKey(apiKey)
	if err != nil {
		return nil, "", fmt.Errorf("key hash: %w", err)
	}

	d := &data.Device{
		ID:         id,
		Name:       name,
		KeyHash:    hash,
		Status:     data.DeviceOnline,
		LastSeenAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, "", fmt.Errorf("device create: %w", err)
	}

	err = s.audits.Append(ctx, audit.Record{
		Action:      audit.ActionDeviceRegistered,
		Actor:       actor,
		SubjectType: "device",
		SubjectID:   id,
		Detail:      audit.Detail(map[string]any{"name": name}),
	})
	if err != nil {
		return nil, "", err
	}
	if s.feed != nil {
		s.feed.DeviceChanged("registered", d)
	}
	return d, apiKey, nil
}

// Authenticate checks a presented API key against the device's stored hash.
func (s *Service) Authenticate(ctx context.Context, id, key string) (*data.Device, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}
	ok, err := auth.CheckKey(key, d.KeyHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredential
	}
	return d, nil
}

// Heartbeat records a liveness signal. A heartbeat while online only updates
// last-seen; a heartbeat from an offline device also clears the outage, so a
// later silence raises a fresh alert.
func (s *Service) Heartbeat(ctx context.Context, id string) error {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := s.repo.Touch(ctx, id, data.DeviceOnline, now); err != nil {
		return fmt.Errorf("heartbeat touch: %w", err)
	}
	metrics.HeartbeatsTotal.Inc()

	if d.Status != data.DeviceOffline {
		return nil
	}

	// Recovery: close the outage alert so the monitor can open a new one
	// for the next silence.
	if open, err := s.alerts.GetOpenByDevice(ctx, id, "device_offline"); err == nil {
		if err := s.alerts.Close(ctx, open.ID); err != nil {
			return fmt.Errorf("alert close: %w", err)
		}
	} else if !errors.Is(err, data.ErrRecordNotFound) {
		return fmt.Errorf("alert lookup: %w", err)
	}

	err = s.audits.Append(ctx, audit.Record{
		Action:      audit.ActionDeviceRecovered,
		Actor:       id,
		SubjectType: "device",
		SubjectID:   id,
		Detail:      audit.Detail(map[string]any{"offline_since": d.LastSeenAt}),
	})
	if err != nil {
		return err
	}
	if s.feed != nil {
		d.Status = data.DeviceOnline
		d.LastSeenAt = now
		s.feed.DeviceChanged("online", d)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*data.Device, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*data.Device, error) {
	return s.repo.ListActive(ctx)
}

func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return err
	}
	if s.feed != nil {
		s.feed.DeviceChanged("removed", &data.Device{ID: id})
	}
	return nil
}
