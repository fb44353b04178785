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
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/revampproxy/revamp"
	"github.com/revampproxy/revamp/lib/defaults"
	"github.com/revampproxy/revamp/lib/utils"
)

// Authority is the loaded root certificate authority all minted leaves
// chain to. Immutable once constructed.
type Authority struct {
	cert    *x509.Certificate
	signer  crypto.Signer
	certPEM []byte
}

// Cert returns the root certificate.
func (a *Authority) Cert() *x509.Certificate { return a.cert }

// Signer returns the root signing key.
func (a *Authority) Signer() crypto.Signer { return a.signer }

// CertPEM returns the PEM encoding of the root certificate, served to
// clients installing the trust root.
func (a *Authority) CertPEM() []byte { return a.certPEM }

// Pool returns a certificate pool containing only this root, for verifying
// minted leaves.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	return pool
}

// AuthorityConfig configures loading or creating the root CA.
type AuthorityConfig struct {
	// DataDir is where ca.pem and ca.key live.
	DataDir string
	// CommonName is the subject of a freshly generated root.
	CommonName string
	// Organization is the subject organization of a freshly generated root.
	Organization string
	// TTL is the validity span of a freshly generated root.
	TTL time.Duration
	// KeyBits is the RSA modulus size of a freshly generated key.
	KeyBits int
	// Clock issues validity timestamps.
	Clock clockwork.Clock
	// Logger emits load and generation events.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AuthorityConfig) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("missing parameter DataDir")
	}
	if c.CommonName == "" {
		c.CommonName = "Revamp Proxy CA"
	}
	if c.Organization == "" {
		c.Organization = "Revamp"
	}
	if c.TTL == 0 {
		c.TTL = defaults.CATTL
	}
	if c.KeyBits == 0 {
		c.KeyBits = defaults.CAKeyBits
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(revamp.ComponentKey, revamp.ComponentCerts)
	}
	return nil
}

// LoadOrCreateAuthority reads the root CA from the data directory, or
// generates and persists a new one when none exists yet. Any failure here
// means the proxy cannot intercept TLS and is treated as fatal by the
// caller.
func LoadOrCreateAuthority(ctx context.Context, cfg AuthorityConfig) (*Authority, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	certPath := filepath.Join(cfg.DataDir, defaults.CACertFileName)
	keyPath := filepath.Join(cfg.DataDir, defaults.CAKeyFileName)

	authority, err := loadAuthority(certPath, keyPath)
	if err == nil {
		cfg.Logger.InfoContext(ctx, "Loaded root certificate authority.",
			"path", certPath,
			"not_after", authority.cert.NotAfter)
		return authority, nil
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	cfg.Logger.InfoContext(ctx, "Generating new root certificate authority.", "path", certPath)
	authority, err = generateAuthority(cfg, certPath, keyPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return authority, nil
}

func loadAuthority(certPath, keyPath string) (*Authority, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("%v is not present", certPath)
		}
		return nil, trace.ConvertSystemError(err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("%v is not present", keyPath)
		}
		return nil, trace.ConvertSystemError(err)
	}

	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	signer, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !cert.IsCA {
		return nil, trace.BadParameter("%v is not a certificate authority", certPath)
	}
	return &Authority{cert: cert, signer: signer, certPEM: certPEM}, nil
}

func generateAuthority(cfg AuthorityConfig, certPath, keyPath string) (*Authority, error) {
	key, err := rsa.GenerateKey(rand.Reader, cfg.KeyBits)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	certPEM, err := GenerateSelfSignedCAWithConfig(GenerateCAConfig{
		Signer: key,
		Entity: pkix.Name{
			CommonName:   cfg.CommonName,
			Organization: []string{cfg.Organization},
		},
		TTL:   cfg.TTL,
		Clock: cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := utils.EnsureDir(cfg.DataDir, defaults.DirMode); err != nil {
		return nil, trace.Wrap(err)
	}
	// Key first. If the second write fails the leftover key is simply
	// regenerated on the next start.
	if err := utils.WriteFileAtomic(keyPath, MarshalPrivateKeyPEM(key), defaults.FileMode); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.WriteFileAtomic(certPath, certPEM, defaults.FileMode); err != nil {
		return nil, trace.Wrap(err)
	}

	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authority{cert: cert, signer: key, certPEM: certPEM}, nil
}
