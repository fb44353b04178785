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

package mitmproxy

import (
	"context"
	"errors"
	"net"

	"github.com/gravitational/trace"

	"github.com/revampproxy/revamp/lib/utils"
)

// splice copies bytes between the client and the upstream until either side
// closes, then records the tunnel and its byte counts. Both connections are
// closed on return.
func (p *Proxy) splice(ctx context.Context, client, upstream net.Conn) error {
	stats := &utils.ProxyConnStats{}
	err := utils.ProxyConn(ctx, client, upstream, stats)
	p.cfg.Recorder.RecordTunnel(stats.ClientToServer(), stats.ServerToClient())
	if err != nil && !errors.Is(err, context.Canceled) {
		return trace.Wrap(err)
	}
	return nil
}
