package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/aps-controller/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"timeOrNever": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
	"units": func(v *float64) string {
		return fmt.Sprintf("%.2f", *v)
	},
	"deref": func(v *int) int {
		return *v
	},
	"percent": func(v *float64) string {
		return fmt.Sprintf("%.0f%%", *v*100)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>APS Controller</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.error { color: red; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>APS Controller{{if .Config.Simulated}} (simulated){{end}}</h1>

<h2>Loop</h2>
<table>
<tr><th>Mode</th><td class="{{if .Settings.ClosedLoop}}on{{else}}off{{end}}">{{if .Settings.ClosedLoop}}closed loop{{else}}open loop{{end}}</td></tr>
<tr><th>Running</th><td>{{if .Loop.IsLooping}}yes{{else}}no{{end}}</td></tr>
<tr><th>Last loop</th><td>{{timeOrNever .Loop.LastLoopDate}}</td></tr>
{{if .Loop.LastError}}<tr><th>Last error</th><td class="error">{{.Loop.LastError}}</td></tr>{{end}}
<tr><th>Manual temp basal</th><td>{{if .Loop.ManualTempBasal}}yes{{else}}no{{end}}</td></tr>
{{if .BolusProgress}}<tr><th>Bolus progress</th><td>{{percent .BolusProgress}}</td></tr>{{end}}
</table>

<h2>Suggestion</h2>
{{with .Suggestion}}<table>
<tr><th>Time</th><td>{{timeOrNever .Timestamp}}</td></tr>
{{if .Rate}}<tr><th>Temp basal</th><td>{{units .Rate}} U/h{{if .Duration}} for {{deref .Duration}} min{{end}}</td></tr>{{end}}
{{if .Units}}<tr><th>Bolus</th><td>{{units .Units}} U</td></tr>{{end}}
{{if .Reason}}<tr><th>Reason</th><td>{{.Reason}}</td></tr>{{end}}
<tr><th>Enacted</th><td>{{if $.Enacted}}{{if and (eq $.Enacted.ID .ID) $.Enacted.Received}}yes{{else}}no{{end}}{{else}}no{{end}}</td></tr>
</table>{{else}}<p>No suggestion yet.</p>{{end}}

<h2>Statistics</h2>
<table>
{{with .TDD}}<tr><th>TDD 14 day</th><td>{{printf "%.1f" .Average14Day}} U</td></tr>
<tr><th>TDD 2 hour</th><td>{{printf "%.1f" .Average2Hour}} U</td></tr>
<tr><th>TDD weighted</th><td>{{printf "%.1f" .WeightedAverage}} U</td></tr>{{end}}
{{with .Daily}}<tr><th>Daily record</th><td>{{timeOrNever .CreatedAt}}</td></tr>
<tr><th>Time in range</th><td>{{printf "%.1f" .TIR}}%</td></tr>
<tr><th>Hypo / hyper</th><td>{{printf "%.1f" .Hypo}}% / {{printf "%.1f" .Hyper}}%</td></tr>
<tr><th>Average glucose</th><td>{{printf "%.0f" .AverageGlucose}} mg/dL</td></tr>
<tr><th>HbA1c</th><td>{{.HbA1c}}</td></tr>{{end}}
</table>

<h2>Triggers</h2>
<table>
<tr><th>Heartbeat</th><td>{{.Triggers.Heartbeat}}</td></tr>
<tr><th>Interval</th><td>{{.Triggers.Interval}}</td></tr>
{{with .LastTrigger}}<tr><th>Last</th><td>{{.Reason}} at {{timeOrNever .Time}}</td></tr>{{end}}
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
{{if .Config.Version}}<tr><th>Version</th><td>{{.Config.Version}}</td></tr>{{end}}
<tr><th>Interval</th><td>{{if eq .Config.IntervalMs 0}}disabled{{else}}{{.Config.IntervalMs}}ms{{end}}</td></tr>
<tr><th>Heartbeat pin</th><td>{{if eq .Config.HeartbeatPin 0}}disabled{{else}}{{.Config.HeartbeatPin}} ({{.Config.DebounceMs}}ms debounce){{end}}</td></tr>
<tr><th>Database</th><td>{{.Config.DBPath}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

{{if .Manual}}
<h2>Manual</h2>
<form method="post" action="/bolus"><input name="units" type="number" step="0.05" min="0"> U <button type="submit">Bolus</button></form>
<form method="post" action="/bolus/cancel"><button type="submit">Cancel bolus</button></form>
<form method="post" action="/tempbasal"><input name="rate" type="number" step="0.05" min="0"> U/h for <input name="duration" type="number" min="0"> min <button type="submit">Set temp basal</button></form>
{{end}}
<form method="post" action="/loop"><button type="submit">Run loop now</button></form>
<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, manual bool) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Manual bool
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Manual:   manual,
	}
	return indexTmpl.Execute(w, data)
}
