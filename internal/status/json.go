package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string          `json:"event,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Loop          LoopJSON        `json:"loop"`
	Suggestion    *SuggestionJSON `json:"suggestion,omitempty"`
	TDD           *TDDJSON        `json:"tdd,omitempty"`
	Daily         *DailyJSON      `json:"daily,omitempty"`
	Triggers      TriggersJSON    `json:"triggers"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	StartTime     string          `json:"start_time"`
	Timestamp     string          `json:"timestamp"`
	MQTT          MQTTStatus      `json:"mqtt"`
	Network       *NetworkJSON    `json:"network,omitempty"`
	Config        ConfigJSON      `json:"config"`
}

// LoopJSON is the JSON representation of the loop state.
type LoopJSON struct {
	ClosedLoop      bool     `json:"closed_loop"`
	IsLooping       bool     `json:"is_looping"`
	LastLoopDate    string   `json:"last_loop_date,omitempty"`
	LastError       string   `json:"last_error,omitempty"`
	ManualTempBasal bool     `json:"manual_temp_basal"`
	BolusProgress   *float64 `json:"bolus_progress,omitempty"`
}

// SuggestionJSON is the JSON representation of the latest suggestion.
type SuggestionJSON struct {
	ID        string   `json:"id"`
	Rate      *float64 `json:"rate,omitempty"`
	Duration  *int     `json:"duration,omitempty"`
	Units     *float64 `json:"units,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Timestamp string   `json:"timestamp"`
	Enacted   bool     `json:"enacted"`
}

// TDDJSON is the JSON representation of TDD averages.
type TDDJSON struct {
	Average14Day    float64 `json:"average_14d"`
	Average2Hour    float64 `json:"average_2h"`
	WeightedAverage float64 `json:"weighted"`
}

// DailyJSON is the JSON representation of the latest daily record.
type DailyJSON struct {
	Date           string  `json:"date"`
	TIR            float64 `json:"tir"`
	Hypo           float64 `json:"hypo"`
	Hyper          float64 `json:"hyper"`
	AverageGlucose float64 `json:"average_glucose"`
	HbA1c          string  `json:"hba1c"`
}

// TriggersJSON counts loop wake-ups.
type TriggersJSON struct {
	Heartbeat int    `json:"heartbeat"`
	Interval  int    `json:"interval"`
	Last      string `json:"last,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	IntervalMs   int64  `json:"interval_ms"`
	DebounceMs   int64  `json:"debounce_ms"`
	GPIOPollMs   int64  `json:"gpio_poll_ms"`
	HeartbeatPin int    `json:"heartbeat_pin"`
	Broker       string `json:"broker"`
	HTTPAddr     string `json:"http_addr"`
	DBPath       string `json:"db_path"`
	Simulated    bool   `json:"simulated"`
	Version      string `json:"version,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Loop: LoopJSON{
			ClosedLoop:      snap.Settings.ClosedLoop,
			IsLooping:       snap.Loop.IsLooping,
			LastLoopDate:    formatTime(snap.Loop.LastLoopDate),
			ManualTempBasal: snap.Loop.ManualTempBasal,
			BolusProgress:   snap.BolusProgress,
		},
		Triggers: TriggersJSON{
			Heartbeat: snap.Triggers.Heartbeat,
			Interval:  snap.Triggers.Interval,
		},
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			IntervalMs:   snap.Config.IntervalMs,
			DebounceMs:   snap.Config.DebounceMs,
			GPIOPollMs:   snap.Config.GPIOPollMs,
			HeartbeatPin: snap.Config.HeartbeatPin,
			Broker:       snap.Config.Broker,
			HTTPAddr:     snap.Config.HTTPAddr,
			DBPath:       snap.Config.DBPath,
			Simulated:    snap.Config.Simulated,
			Version:      snap.Config.Version,
		},
	}
	if snap.Loop.LastError != nil {
		inner.Loop.LastError = snap.Loop.LastError.Error()
	}
	if snap.LastTrigger != nil {
		inner.Triggers.Last = string(snap.LastTrigger.Reason) + "@" + formatTime(snap.LastTrigger.Time)
	}

	if s := snap.Suggestion; s != nil {
		inner.Suggestion = &SuggestionJSON{
			ID:        s.ID,
			Rate:      s.Rate,
			Duration:  s.Duration,
			Units:     s.Units,
			Reason:    s.Reason,
			Timestamp: formatTime(s.Timestamp),
			Enacted:   snap.Enacted != nil && snap.Enacted.ID == s.ID && snap.Enacted.Received,
		}
	}
	if a := snap.TDD; a != nil {
		inner.TDD = &TDDJSON{
			Average14Day:    a.Average14Day,
			Average2Hour:    a.Average2Hour,
			WeightedAverage: a.WeightedAverage,
		}
	}
	if d := snap.Daily; d != nil {
		inner.Daily = &DailyJSON{
			Date:           formatTime(d.CreatedAt),
			TIR:            d.TIR,
			Hypo:           d.Hypo,
			Hyper:          d.Hyper,
			AverageGlucose: d.AverageGlucose,
			HbA1c:          d.HbA1c,
		}
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
