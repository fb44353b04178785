/*
 * Revamp
 * Copyright (C) 2025  Revamp Proxy Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package web

import (
	"html/template"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/revampproxy/revamp"
	"github.com/revampproxy/revamp/lib/cache"
	"github.com/revampproxy/revamp/lib/metrics"
)

// The dashboard is a single static page rendered server side. It has to
// load on the same legacy browsers the proxy serves, so no scripts and only
// widely supported CSS.
var dashboardTmpl = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"bytes": func(n int64) string {
		if n < 0 {
			return "-" + humanize.IBytes(uint64(-n))
		}
		return humanize.IBytes(uint64(n))
	},
	"count": func(n int64) string { return humanize.Comma(n) },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>Revamp {{.Version}}</title>
<style>
body { font-family: -apple-system, Helvetica, Arial, sans-serif; margin: 2em; color: #222; }
h1 { font-size: 1.4em; } h2 { font-size: 1.1em; margin-top: 1.5em; }
table { border-collapse: collapse; min-width: 24em; }
td, th { border: 1px solid #ccc; padding: 0.35em 0.8em; text-align: left; }
th { background: #f3f3f3; }
.footer { margin-top: 2em; font-size: 0.85em; color: #777; }
</style>
</head>
<body>
<h1>Revamp {{.Version}}</h1>
<p>Up {{.Uptime}} (since {{.Snapshot.StartedAt.Format "2006-01-02 15:04:05 MST"}})</p>

<h2>Requests</h2>
<table>
<tr><th>Total</th><td>{{count .Snapshot.Requests.Total}}</td></tr>
<tr><th>Blocked</th><td>{{count .Snapshot.Requests.Blocked}}</td></tr>
<tr><th>Errored</th><td>{{count .Snapshot.Requests.Errored}}</td></tr>
<tr><th>Cache hits</th><td>{{count .Snapshot.Requests.CacheHits}}</td></tr>
<tr><th>Cache misses</th><td>{{count .Snapshot.Requests.CacheMisses}}</td></tr>
</table>

<h2>Bandwidth</h2>
<table>
<tr><th>In</th><td>{{bytes .Snapshot.Bandwidth.TotalBytesIn}}</td></tr>
<tr><th>Out</th><td>{{bytes .Snapshot.Bandwidth.TotalBytesOut}}</td></tr>
<tr><th>Saved</th><td>{{bytes .Snapshot.Bandwidth.SavedBytes}}</td></tr>
</table>

<h2>Transforms</h2>
<table>
{{range $ctype, $n := .Snapshot.Transforms}}<tr><th>{{$ctype}}</th><td>{{count $n}}</td></tr>
{{else}}<tr><td colspan="2">none yet</td></tr>
{{end}}</table>

<h2>Tunnels</h2>
<table>
<tr><th>Total</th><td>{{count .Snapshot.Tunnels.Total}}</td></tr>
<tr><th>Bytes up</th><td>{{bytes .Snapshot.Tunnels.BytesUp}}</td></tr>
<tr><th>Bytes down</th><td>{{bytes .Snapshot.Tunnels.BytesDown}}</td></tr>
</table>

{{if .HasCache}}<h2>Cache</h2>
<table>
<tr><th>Memory entries</th><td>{{.Cache.MemoryEntries}}</td></tr>
<tr><th>Memory bytes</th><td>{{bytes .Cache.MemoryBytes}}</td></tr>
<tr><th>Disk entries</th><td>{{.Cache.DiskEntries}}</td></tr>
<tr><th>Disk bytes</th><td>{{bytes .Cache.DiskBytes}}</td></tr>
<tr><th>Redirect exclusions</th><td>{{.Cache.RedirectURLs}}</td></tr>
</table>
{{end}}
<p>Certificates minted: {{count .Snapshot.CertsMinted}}</p>

<p class="footer"><a href="/__revamp__/metrics/json">JSON</a> &middot; <a href="/__revamp__/metrics/prometheus">Prometheus</a> &middot; <a href="/">Portal</a></p>
</body>
</html>
`))

type dashboardData struct {
	Version  string
	Uptime   string
	Snapshot metrics.Snapshot
	HasCache bool
	Cache    cache.Stats
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	data := dashboardData{
		Version:  revamp.Version,
		Snapshot: h.cfg.Metrics.Snapshot(),
	}
	data.Uptime = (time.Duration(data.Snapshot.UptimeSeconds) * time.Second).String()
	if h.cfg.Cache != nil {
		data.HasCache = true
		data.Cache = h.cfg.Cache.Stats()
	}
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}
