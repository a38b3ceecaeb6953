package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/sweeney/aps-controller/internal/aps"
	"github.com/sweeney/aps-controller/internal/glucose"
	"github.com/sweeney/aps-controller/internal/logging"
	"github.com/sweeney/aps-controller/internal/storage"
)

// CarbRetention is how long carb entries are kept.
const CarbRetention = 24 * time.Hour

// AnnouncementHandler executes remote commands.
type AnnouncementHandler interface {
	EnactAnnouncement(ctx context.Context, a aps.Announcement) error
}

// ProgressReporter receives bolus delivery progress.
type ProgressReporter interface {
	ReportBolusProgress(progress float64)
}

// ManualTempRecorder tracks whether the user set a temp basal on the pump.
type ManualTempRecorder interface {
	SetManualTempBasal(ctx context.Context, active bool) error
}

// Feeds routes inbound broker messages to the controller.
type Feeds struct {
	Announcements AnnouncementHandler
	Progress      ProgressReporter
	ManualTemp    ManualTempRecorder
	Glucose       *glucose.Repository
	Store         storage.Store
	Now           func() time.Time
	Logger        logr.Logger

	// Timeout bounds the handling of one message. Defaults to one minute.
	Timeout time.Duration
}

type progressMessage struct {
	Progress float64 `json:"progress"`
}

type manualTempMessage struct {
	Active *bool `json:"active"`
}

// Subscribe registers a handler for each configured feed. Handlers derive
// their contexts from ctx.
func (f *Feeds) Subscribe(ctx context.Context, c Client) error {
	if f.Now == nil {
		f.Now = time.Now
	}
	if f.Timeout <= 0 {
		f.Timeout = time.Minute
	}
	f.Logger = f.Logger.WithName("feeds")

	subs := []struct {
		topic   string
		enabled bool
		handle  func(context.Context, []byte) error
	}{
		{TopicAnnouncements, f.Announcements != nil, f.handleAnnouncement},
		{TopicGlucose, f.Glucose != nil, f.handleGlucose},
		{TopicCarbs, f.Store != nil, f.handleCarbs},
		{TopicBolusProgress, f.Progress != nil, f.handleProgress},
		{TopicManualTemp, f.ManualTemp != nil, f.handleManualTemp},
	}
	for _, s := range subs {
		if !s.enabled {
			continue
		}
		handle := s.handle
		err := c.Subscribe(s.topic, 1, func(topic string, payload []byte) {
			hctx, cancel := context.WithTimeout(ctx, f.Timeout)
			defer cancel()
			if err := handle(hctx, payload); err != nil {
				f.Logger.Error(err, "Failed to handle message", "topic", topic)
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
	}
	return nil
}

func (f *Feeds) handleAnnouncement(ctx context.Context, payload []byte) error {
	var a aps.Announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		return fmt.Errorf("decode announcement: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = f.Now()
	}
	f.Logger.V(logging.VERBOSE).Info("Announcement received", "id", a.ID, "notes", a.Notes)
	return f.Announcements.EnactAnnouncement(ctx, a)
}

func (f *Feeds) handleGlucose(ctx context.Context, payload []byte) error {
	samples, err := decodeList[glucose.Sample](payload)
	if err != nil {
		return fmt.Errorf("decode glucose: %w", err)
	}
	for i := range samples {
		if samples[i].ID == "" {
			samples[i].ID = samples[i].Date.UTC().Format(time.RFC3339)
		}
	}
	n, err := f.Glucose.Add(ctx, samples, f.Now())
	if err != nil {
		return err
	}
	f.Logger.V(logging.DEBUG).Info("Glucose stored", "received", len(samples), "new", n)
	return nil
}

func (f *Feeds) handleCarbs(ctx context.Context, payload []byte) error {
	entries, err := decodeList[aps.CarbEntry](payload)
	if err != nil {
		return fmt.Errorf("decode carbs: %w", err)
	}
	now := f.Now()
	return f.Store.Update(ctx, func(tx storage.Store) error {
		for _, e := range entries {
			if e.ID == "" {
				e.ID = e.Date.UTC().Format(time.RFC3339Nano)
			}
			if _, err := storage.AppendRecord(ctx, tx, storage.KeyCarbs, e.ID, e.Date, e); err != nil {
				return fmt.Errorf("store carbs: %w", err)
			}
		}
		_, err := tx.Prune(ctx, storage.KeyCarbs, now.Add(-CarbRetention))
		return err
	})
}

func (f *Feeds) handleProgress(_ context.Context, payload []byte) error {
	var p progressMessage
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode bolus progress: %w", err)
	}
	f.Progress.ReportBolusProgress(p.Progress)
	return nil
}

func (f *Feeds) handleManualTemp(ctx context.Context, payload []byte) error {
	var m manualTempMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("decode manual temp: %w", err)
	}
	if m.Active == nil {
		return fmt.Errorf("manual temp message has no active flag")
	}
	return f.ManualTemp.SetManualTempBasal(ctx, *m.Active)
}

// decodeList accepts either a JSON array or a single object.
func decodeList[T any](payload []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var out []T
		err := json.Unmarshal(trimmed, &out)
		return out, err
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}
