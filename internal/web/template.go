package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/gbm-decoder/internal/status"
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
	"stateClass": func(s string) string {
		switch s {
		case "ON":
			return "on"
		case "OFF":
			return "off"
		}
		return "unknown"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>GBM Decoder</title>
<style>
body { font-family: monospace; max-width: 700px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.lcd { background: #224; color: #9f9; padding: 6px; white-space: pre; display: inline-block; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>GBM Decoder ({{.Role}})<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Inputs</h2>
<table>
<tr><th>Input</th><th>State</th><th>Raw</th><th>History</th><th>Feedback</th></tr>
{{range $i, $ch := .Channels}}<tr>
<td>{{$ch.Index}}</td>
<td id="ch-{{$ch.Index}}" class="{{stateClass $ch.State}}">{{$ch.State}}</td>
<td id="raw-{{$ch.Index}}">{{$ch.Raw}}</td>
<td id="hist-{{$ch.Index}}">{{$ch.History}}</td>
<td id="fb-{{$ch.Index}}">{{with index $.Feedback $i}}{{if .On}}on{{else}}off{{end}}{{end}}</td>
</tr>
{{end}}</table>
<p>Ready: {{if .Ready}}yes{{else}}no{{end}}{{if .Settling}} (settling){{end}}</p>

<h2>RS-bus</h2>
<table>
<tr><th>Address</th><td>{{if .RSBus.Address}}{{.RSBus.Address}}{{else}}not set{{end}}</td></tr>
<tr><th>Connected</th><td id="rs-connected" class="{{if .RSBus.Connected}}connected{{else}}disconnected{{end}}">{{if .RSBus.Connected}}yes{{else}}no{{end}}</td></tr>
<tr><th>Sent</th><td id="rs-sent">{{.RSBus.Sent}}</td></tr>
<tr><th>Failures</th><td id="rs-failures">{{.RSBus.Failures}}</td></tr>
</table>
{{if .Relays}}
<h2>Relays</h2>
<table>
{{range .Relays}}<tr><th>Device {{.Device}}</th><td id="relay-{{.Device}}">{{.Position}}</td></tr>
{{end}}</table>
{{end}}{{if .Speed}}
<h2>Speed</h2>
<table>
{{range .Speed}}<tr><th>Track {{.Track}} (input {{.Channel}}, {{.LengthMM}} mm)</th><td id="track-{{.Track}}">{{.Status}} {{.SpeedKmh}} km/h</td></tr>
{{end}}</table>
{{end}}{{if .Display}}<div id="lcd" class="lcd">{{range .Display}}{{.}}
{{end}}</div>
{{end}}
<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTT.Connected}}connected{{else}}disconnected{{end}}">{{if .MQTT.Connected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.MQTT.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Occupied</th><td id="count-occupied">{{.Counts.Occupied}}</td></tr>
<tr><th>Freed</th><td id="count-freed">{{.Counts.Freed}}</td></tr>
<tr><th>Feedback on</th><td>{{.Counts.FeedbackOn}}</td></tr>
<tr><th>Feedback off</th><td>{{.Counts.FeedbackOff}}</td></tr>
<tr><th>Speed measured</th><td>{{.Counts.SpeedMeasured}}</td></tr>
<tr><th>Relay switched</th><td>{{.Counts.RelaySwitched}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime}}</td></tr>
<tr><th>CVs</th><td>{{.Config.CVSource}}</td></tr>
<tr><th>Settle</th><td>{{.Config.SettleMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function setText(id, text, cls) {
    var el = document.getElementById(id);
    if (!el) return;
    el.textContent = text;
    if (cls !== undefined) el.className = cls;
  }

  function apply(s) {
    (s.channels || []).forEach(function(ch) {
      setText("ch-" + ch.index, ch.state, ch.state === "ON" ? "on" : ch.state === "OFF" ? "off" : "unknown");
      setText("raw-" + ch.index, ch.raw);
      setText("hist-" + ch.index, ch.history);
    });
    (s.feedback || []).forEach(function(b) {
      setText("fb-" + b.bit, b.on ? "on" : "off");
    });
    (s.relays || []).forEach(function(r) {
      setText("relay-" + r.device, r.position);
    });
    (s.speed || []).forEach(function(t) {
      setText("track-" + t.track, t.status + " " + t.speed_kmh + " km/h");
    });
    if (s.display) setText("lcd", s.display.join("\n"));
    setText("rs-connected", s.rsbus.connected ? "yes" : "no", s.rsbus.connected ? "connected" : "disconnected");
    setText("rs-sent", s.rsbus.sent);
    setText("rs-failures", s.rsbus.failures);
    setText("count-occupied", s.event_counts.occupied);
    setText("count-freed", s.event_counts.freed);
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onmessage = function(e) {
      try { apply(JSON.parse(e.data).status); } catch (err) {}
    };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
  }
  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	data := struct {
		status.StatusInner
		Uptime time.Duration
	}{
		StatusInner: status.View(snap),
		Uptime:      snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
