// CertHub
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package ingest

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os/exec"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/certhub/lib/defaults"
)

// opensslExtract recovers the leaf certificate through the system
// openssl, for bundle formats the native decoder rejects (RC2 and
// other pre-modern ciphers). Each password candidate runs against the
// default provider and then the legacy provider.
func (in *Ingester) opensslExtract(ctx context.Context, path string, candidates []string) (*x509.Certificate, error) {
	var lastErr error
	for _, password := range candidates {
		for _, legacy := range []bool{false, true} {
			out, err := in.runOpenSSL(ctx, path, password, legacy)
			if err != nil {
				lastErr = err
				continue
			}
			cert, err := leafCertificate(out)
			if err != nil {
				lastErr = err
				continue
			}
			return cert, nil
		}
	}
	return nil, trace.Wrap(lastErr)
}

func (in *Ingester) runOpenSSL(ctx context.Context, path, password string, legacy bool) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, defaults.OpenSSLTimeout)
	defer cancel()

	args := []string{"pkcs12", "-in", path, "-passin", "pass:" + password, "-nokeys", "-clcerts", "-nodes"}
	if legacy {
		args = append(args, "-legacy")
	}
	cmd := exec.CommandContext(ctx, in.opensslPath, args...)
	in.logger.DebugContext(ctx, "Running openssl fallback.", "path", path, "legacy", legacy)
	out, err := cmd.Output()
	if err != nil {
		return nil, trace.Wrap(err, "%v", opensslErrorDetail(err))
	}
	return out, nil
}

// opensslErrorDetail pulls the leading stderr line out of an exec
// error; openssl prints the human-readable reason before its error
// stack.
func opensslErrorDetail(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		stderr := strings.TrimSpace(string(exitErr.Stderr))
		if line, _, found := strings.Cut(stderr, "\n"); found {
			return strings.TrimSpace(line)
		}
		return stderr
	}
	return err.Error()
}

func leafCertificate(pemData []byte) (*x509.Certificate, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			return nil, trace.BadParameter("no certificate in openssl output")
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			return cert, trace.Wrap(err)
		}
		pemData = rest
	}
}
