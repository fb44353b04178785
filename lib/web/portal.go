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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/revampproxy/revamp"
)

// The portal page is the first thing a legacy device loads, so it sticks to
// HTML and CSS that renders on the oldest supported browsers.
var portalTmpl = template.Must(template.New("portal").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Revamp</title>
<style>
body { font-family: -apple-system, Helvetica, Arial, sans-serif; margin: 2em auto; max-width: 34em; padding: 0 1em; color: #222; }
h1 { font-size: 1.5em; } h2 { font-size: 1.1em; margin-top: 1.6em; }
li { margin: 0.4em 0; }
code { background: #f3f3f3; padding: 0.1em 0.3em; }
.footer { margin-top: 2.5em; font-size: 0.85em; color: #777; }
</style>
</head>
<body>
<h1>Revamp {{.Version}}</h1>
<p>This proxy rewrites the modern web for this device's browser.</p>

<h2>1. Install the certificate</h2>
<p><a href="{{.Prefix}}/ca">Download the Revamp root certificate</a> and trust
it in Settings, otherwise HTTPS pages cannot be rewritten.</p>

<h2>2. Point the device at the proxy</h2>
<p>Set automatic proxy configuration to one of:</p>
<ul>
<li><a href="{{.Prefix}}/pac/socks5">SOCKS5 proxy</a> &mdash; <code>{{.Prefix}}/pac/socks5</code></li>
<li><a href="{{.Prefix}}/pac/http">HTTP proxy</a> &mdash; <code>{{.Prefix}}/pac/http</code></li>
<li><a href="{{.Prefix}}/pac/combined">Combined with fallback</a> &mdash; <code>{{.Prefix}}/pac/combined</code></li>
</ul>

<h2>3. Watch it work</h2>
<p><a href="{{.Prefix}}/metrics/dashboard">Metrics dashboard</a></p>

<p class="footer">Revamp {{.Version}} &middot; <a href="{{.Prefix}}/healthz">health</a></p>
</body>
</html>
`))

type portalData struct {
	Version string
	Prefix  string
}

func (h *Handler) portal(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	err := portalTmpl.Execute(w, portalData{
		Version: revamp.Version,
		Prefix:  revamp.InternalAPIPrefix,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, nil
}
