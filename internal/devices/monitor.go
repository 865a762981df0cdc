package devices

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kinamba/erm-core/internal/audit"
	"github.com/kinamba/erm-core/internal/data"
	"github.com/kinamba/erm-core/internal/metrics"
)

type MonitorConfig struct {
	Interval         time.Duration
	OfflineThreshold time.Duration
}

// Monitor periodically evaluates last-seen timestamps and raises one
// device_offline alert per outage. A device flips to offline only here,
// never by a heartbeat.
type Monitor struct {
	cfg    MonitorConfig
	repo   data.DeviceRepository
	alerts data.AlertRepository
	audits *audit.Service
	feed   FeedNotifier

	now  func() time.Time
	quit chan struct{}
	wg   sync.WaitGroup
}

func NewMonitor(cfg MonitorConfig, repo data.DeviceRepository, alerts data.AlertRepository, audits *audit.Service) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = 300 * time.Second
	}
	return &Monitor{
		cfg:    cfg,
		repo:   repo,
		alerts: alerts,
		audits: audits,
		now:    time.Now,
		quit:   make(chan struct{}),
	}
}

// SetFeedNotifier wires the change feed; nil leaves the feed dark.
func (m *Monitor) SetFeedNotifier(f FeedNotifier) { m.feed = f }

func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Monitor) Stop() {
	close(m.quit)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}

// Sweep evaluates every registered device once. A failure on one device is
// logged and does not stop the rest of the sweep.
func (m *Monitor) Sweep(ctx context.Context) {
	devices, err := m.repo.ListActive(ctx)
	if err != nil {
		log.Printf("[ERROR] monitor: listing devices: %v", err)
		return
	}

	offline := 0
	for _, d := range devices {
		if err := m.evaluate(ctx, d); err != nil {
			log.Printf("[ERROR] monitor: device %s: %v", d.ID, err)
		}
		if d.Status == data.DeviceOffline {
			offline++
		}
	}
	metrics.DevicesOffline.Set(float64(offline))
}

func (m *Monitor) evaluate(ctx context.Context, d *data.Device) error {
	if d.Status != data.DeviceOnline {
		// Already in an outage: the alert was raised when it began.
		return nil
	}
	silence := m.now().Sub(d.LastSeenAt)
	if silence <= m.cfg.OfflineThreshold {
		return nil
	}

	if err := m.repo.SetStatus(ctx, d.ID, data.DeviceOffline); err != nil {
		return fmt.Errorf("status flip: %w", err)
	}
	d.Status = data.DeviceOffline

	// One alert per outage: if an open one survived (e.g. a crash between
	// flip and close), do not stack another.
	if _, err := m.alerts.GetOpenByDevice(ctx, d.ID, "device_offline"); err == nil {
		return nil
	} else if !errors.Is(err, data.ErrRecordNotFound) {
		return fmt.Errorf("alert lookup: %w", err)
	}

	deviceID := d.ID
	alert := &data.Alert{
		DeviceID: &deviceID,
		Kind:     "device_offline",
		Severity: "warning",
		Message:  fmt.Sprintf("device %s silent for %s", d.ID, silence.Truncate(time.Second)),
		State:    data.AlertOpen,
	}
	if err := m.alerts.Create(ctx, alert); err != nil {
		return fmt.Errorf("alert create: %w", err)
	}

	m.audits.AppendAsync(audit.Record{
		Action:      audit.ActionDeviceOffline,
		Actor:       audit.ActorSystem,
		SubjectType: "device",
		SubjectID:   d.ID,
		Detail:      audit.Detail(map[string]any{"last_seen_at": d.LastSeenAt, "silence_seconds": int(silence.Seconds())}),
	})
	if m.feed != nil {
		m.feed.DeviceChanged("offline", d)
		m.feed.AlertRaised(alert)
	}
	return nil
}
