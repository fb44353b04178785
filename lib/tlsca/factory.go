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

package tlsca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/revampproxy/revamp"
	"github.com/revampproxy/revamp/lib/defaults"
)

// FactoryConfig configures the leaf certificate factory.
type FactoryConfig struct {
	// Authority signs every minted leaf.
	Authority *Authority
	// CacheSize bounds the minted leaf LRU.
	CacheSize int
	// TTL is the leaf validity span.
	TTL time.Duration
	// Backdate is subtracted from NotBefore for clients with skewed clocks.
	Backdate time.Duration
	// RenewBefore is how close to expiry a cached leaf gets reminted.
	RenewBefore time.Duration
	// Clock issues validity timestamps.
	Clock clockwork.Clock
	// Logger emits minting events.
	Logger *slog.Logger
	// OnMint is called after each successful mint, used for metrics.
	OnMint func()
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *FactoryConfig) CheckAndSetDefaults() error {
	if c.Authority == nil {
		return trace.BadParameter("missing parameter Authority")
	}
	if c.CacheSize == 0 {
		c.CacheSize = defaults.CertCacheSize
	}
	if c.TTL == 0 {
		c.TTL = defaults.CertTTL
	}
	if c.Backdate == 0 {
		c.Backdate = defaults.CertBackdate
	}
	if c.RenewBefore == 0 {
		c.RenewBefore = defaults.CertRenewBefore
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(revamp.ComponentKey, revamp.ComponentCerts)
	}
	if c.OnMint == nil {
		c.OnMint = func() {}
	}
	return nil
}

// Factory mints leaf certificates on demand, one per hostname, cached in an
// LRU and reminted when close to expiry. All hosts share one leaf key so a
// mint costs a signature, not an RSA key generation.
type Factory struct {
	cfg     FactoryConfig
	leafKey *rsa.PrivateKey
	cache   *lru.Cache[string, *tls.Certificate]
	group   singleflight.Group
}

// NewFactory creates a Factory backed by the given authority.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	leafKey, err := rsa.GenerateKey(rand.Reader, defaults.CAKeyBits)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cache, err := lru.New[string, *tls.Certificate](cfg.CacheSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Factory{cfg: cfg, leafKey: leafKey, cache: cache}, nil
}

// TLSCertificate returns a certificate whose SANs cover serverName, minting
// one if the cache has no fresh entry. Concurrent callers for the same
// hostname share one mint.
func (f *Factory) TLSCertificate(ctx context.Context, serverName string) (*tls.Certificate, error) {
	host := normalizeServerName(serverName)
	if host == "" {
		return nil, trace.BadParameter("missing server name")
	}

	if cert, ok := f.cache.Get(host); ok && !f.needsRenewal(cert) {
		return cert, nil
	}

	certI, err, _ := f.group.Do(host, func() (any, error) {
		if cert, ok := f.cache.Get(host); ok && !f.needsRenewal(cert) {
			return cert, nil
		}
		cert, err := f.mint(ctx, host)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		f.cache.Add(host, cert)
		return cert, nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return certI.(*tls.Certificate), nil
}

func (f *Factory) needsRenewal(cert *tls.Certificate) bool {
	return f.cfg.Clock.Now().Add(f.cfg.RenewBefore).After(cert.Leaf.NotAfter)
}

func (f *Factory) mint(ctx context.Context, host string) (*tls.Certificate, error) {
	serialNumber, err := newSerialNumber()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	now := f.cfg.Clock.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-f.cfg.Backdate),
		NotAfter:     now.Add(f.cfg.TTL),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	template.DNSNames, template.IPAddresses = certificateSANs(host)

	der, err := x509.CreateCertificate(rand.Reader, &template,
		f.cfg.Authority.Cert(), f.leafKey.Public(), f.cfg.Authority.Signer())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	f.cfg.Logger.DebugContext(ctx, "Minted leaf certificate.",
		"host", host,
		"sans", leaf.DNSNames,
		"not_after", leaf.NotAfter)
	f.cfg.OnMint()

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  f.leafKey,
		Leaf:        leaf,
	}, nil
}

// normalizeServerName lowercases the hostname and strips a trailing dot and
// any port.
func normalizeServerName(serverName string) string {
	host := strings.ToLower(strings.TrimSpace(serverName))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.TrimSuffix(host, ".")
}

// certificateSANs expands a hostname into the SAN set minted for it. IP
// literals get an IP SAN. Hostnames of three or more labels also get the
// wildcards implied by each suffix down to two labels.
func certificateSANs(host string) (dnsNames []string, ips []net.IP) {
	if ip := net.ParseIP(host); ip != nil {
		return nil, []net.IP{ip}
	}
	dnsNames = []string{host}
	labels := strings.Split(host, ".")
	for len(labels) > 2 {
		labels = labels[1:]
		dnsNames = append(dnsNames, "*."+strings.Join(labels, "."))
	}
	return dnsNames, nil
}
