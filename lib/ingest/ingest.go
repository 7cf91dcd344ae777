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

// Package ingest mirrors the drop zone directory into the certificate
// catalog.
//
// Every PKCS#12 bundle dropped into the zone becomes one catalog row.
// Bundles decode natively when possible and fall back to the system
// openssl for formats the native decoder rejects. Rows reconcile by
// content: SHA-1 fingerprint first, then serial number, then name, so
// renaming a file does not fork its catalog entry.
package ingest

import (
	"context"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/gravitational/certhub"
	"github.com/gravitational/certhub/lib/defaults"
	"github.com/gravitational/certhub/lib/events"
	"github.com/gravitational/certhub/lib/storage"
)

var filesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "certhub_ingest_files_total",
	Help: "Number of ingested drop zone files by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(filesTotal)
}

// Config holds the ingester configuration.
type Config struct {
	// Store persists the certificate catalog.
	Store storage.Store
	// RootPath is the drop zone directory.
	RootPath string
	// OpenSSLPath locates the openssl binary used as a parse fallback.
	OpenSSLPath string
	// Logger emits ingest log messages.
	Logger *slog.Logger
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.RootPath == "" {
		return trace.BadParameter("missing parameter RootPath")
	}
	if c.OpenSSLPath == "" {
		c.OpenSSLPath = defaults.OpenSSLPath
	}
	if c.Logger == nil {
		c.Logger = slog.With(certhub.ComponentKey, certhub.ComponentIngest)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Ingester parses drop zone bundles and reconciles them into the
// certificate catalog.
type Ingester struct {
	store       storage.Store
	rootPath    string
	opensslPath string
	logger      *slog.Logger
	clock       clockwork.Clock
}

// New returns an ingester for the configured drop zone.
func New(cfg Config) (*Ingester, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Ingester{
		store:       cfg.Store,
		rootPath:    root,
		opensslPath: cfg.OpenSSLPath,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
	}, nil
}

// HasBundleExt reports whether the path names a PKCS#12 bundle.
func HasBundleExt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pfx", ".p12":
		return true
	}
	return false
}

// FormatSerial renders a certificate serial the way the endpoint agent
// reports it: the big-endian bytes reversed, as uppercase hex. Catalog
// serials must match agent reports byte for byte.
func FormatSerial(serial *big.Int) string {
	if serial == nil || serial.Sign() == 0 {
		return "00"
	}
	b := serial.Bytes()
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return strings.ToUpper(hex.EncodeToString(b))
}

// Fingerprint returns the uppercase hex SHA-1 of a DER encoding. The
// same form the agent reports as a thumbprint.
func Fingerprint(der []byte) string {
	sum := sha1.Sum(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// bundleInfo is the metadata extracted from one parsed bundle.
type bundleInfo struct {
	Subject         string
	Issuer          string
	SerialNumber    string
	NotBefore       time.Time
	NotAfter        time.Time
	SHA1Fingerprint string
}

func certificateInfo(cert *x509.Certificate) bundleInfo {
	return bundleInfo{
		Subject:         cert.Subject.String(),
		Issuer:          cert.Issuer.String(),
		SerialNumber:    FormatSerial(cert.SerialNumber),
		NotBefore:       cert.NotBefore.UTC(),
		NotAfter:        cert.NotAfter.UTC(),
		SHA1Fingerprint: Fingerprint(cert.Raw),
	}
}

func decodeBundle(data []byte, candidates []string) (*x509.Certificate, error) {
	var lastErr error
	for _, password := range candidates {
		_, cert, _, err := pkcs12.DecodeChain(data, password)
		if err == nil {
			return cert, nil
		}
		lastErr = err
	}
	return nil, trace.Wrap(lastErr)
}

// parseFile extracts metadata from one bundle, trying every password
// candidate natively and then through openssl.
func (in *Ingester) parseFile(ctx context.Context, path, stem string) (*bundleInfo, error) {
	candidates := CandidatePasswords(stem)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	in.logger.DebugContext(ctx, "Read certificate bundle.",
		"path", path, "size", humanize.Bytes(uint64(len(data))))

	cert, err := decodeBundle(data, candidates)
	if err != nil {
		cert, err = in.opensslExtract(ctx, path, candidates)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	info := certificateInfo(cert)
	return &info, nil
}

// Result describes what one ingested file did to the catalog.
type Result struct {
	Cert     *storage.Certificate
	Inserted bool
}

// IngestPath parses one bundle and reconciles it into the catalog.
// Parse failures are recorded on the row, not returned: the error
// return is for storage failures only.
func (in *Ingester) IngestPath(ctx context.Context, orgID int64, path string) (*Result, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	name := stem(path)
	info, parseErr := in.parseFile(ctx, path, name)
	now := in.clock.Now().UTC()

	var res *Result
	err = in.store.WithTx(ctx, func(tx storage.Store) error {
		existing, err := findExisting(ctx, tx, orgID, info, name)
		if err != nil {
			return trace.Wrap(err)
		}
		res, err = in.apply(ctx, tx, orgID, existing, name, path, info, parseErr, now)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if parseErr != nil {
		in.logger.WarnContext(ctx, "Certificate bundle failed to parse.",
			"path", path, "error", parseErr)
		filesTotal.WithLabelValues("failed").Inc()
	} else {
		in.logger.InfoContext(ctx, "Certificate ingested.",
			"path", path, "name", name, "inserted", res.Inserted)
		filesTotal.WithLabelValues("ok").Inc()
	}
	return res, nil
}

// findExisting resolves the catalog row a bundle reconciles into:
// fingerprint match first, then serial, then name.
func findExisting(ctx context.Context, tx storage.Store, orgID int64, info *bundleInfo, name string) (*storage.Certificate, error) {
	if info != nil && info.SHA1Fingerprint != "" {
		cert, err := tx.GetCertificateBySHA1(ctx, orgID, info.SHA1Fingerprint)
		if err == nil {
			return cert, nil
		}
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
	}
	if info != nil && info.SerialNumber != "" {
		cert, err := tx.GetCertificateBySerial(ctx, orgID, info.SerialNumber)
		if err == nil {
			return cert, nil
		}
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
	}
	cert, err := tx.GetCertificateByName(ctx, orgID, name)
	if err == nil {
		return cert, nil
	}
	if trace.IsNotFound(err) {
		return nil, nil
	}
	return nil, trace.Wrap(err)
}

// apply writes one file's outcome to the catalog. A parse failure on an
// existing row keeps the previously parsed metadata and records the
// error; a fresh insert is audited.
func (in *Ingester) apply(ctx context.Context, tx storage.Store, orgID int64, existing *storage.Certificate, name, path string, info *bundleInfo, parseErr error, now time.Time) (*Result, error) {
	if existing != nil {
		cert := *existing
		if info != nil {
			setBundleInfo(&cert, info)
			cert.ParseOK = true
			cert.ParseError = ""
			cert.LastIngestedAt = &now
		} else {
			cert.ParseOK = false
			cert.ParseError = parseErr.Error()
			cert.LastErrorAt = &now
		}
		cert.SourcePath = path
		updated, err := tx.UpdateCertificate(ctx, &cert)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &Result{Cert: updated}, nil
	}

	cert := &storage.Certificate{OrgID: orgID, Name: name, SourcePath: path}
	if info != nil {
		setBundleInfo(cert, info)
		cert.ParseOK = true
		cert.LastIngestedAt = &now
	} else {
		cert.ParseError = parseErr.Error()
		cert.LastErrorAt = &now
	}
	created, err := tx.CreateCertificate(ctx, cert)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	err = tx.AppendAuditEvent(ctx, events.Event{
		OrgID:      orgID,
		Action:     events.CertCreated,
		EntityType: events.EntityCertificate,
		EntityID:   strconv.FormatInt(created.ID, 10),
		Meta:       map[string]any{"name": created.Name, "source_path": path},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Result{Cert: created, Inserted: true}, nil
}

func setBundleInfo(cert *storage.Certificate, info *bundleInfo) {
	cert.Subject = info.Subject
	cert.Issuer = info.Issuer
	cert.SerialNumber = info.SerialNumber
	notBefore, notAfter := info.NotBefore, info.NotAfter
	cert.NotBefore = &notBefore
	cert.NotAfter = &notAfter
	cert.SHA1Fingerprint = info.SHA1Fingerprint
}

// DeleteByPath drops the catalog row for a removed file: every row
// holding the source path, or failing that the row named after the
// file stem. A file never ingested is not an error.
func (in *Ingester) DeleteByPath(ctx context.Context, orgID int64, path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return trace.Wrap(err)
	}

	deleted := 0
	for {
		cert, err := in.store.GetCertificateBySourcePath(ctx, orgID, path)
		if trace.IsNotFound(err) {
			break
		}
		if err != nil {
			return trace.Wrap(err)
		}
		if err := in.store.DeleteCertificate(ctx, orgID, cert.ID); err != nil {
			return trace.Wrap(err)
		}
		deleted++
	}
	if deleted > 0 {
		if deleted > 1 {
			in.logger.WarnContext(ctx, "Multiple catalog rows shared one source path.",
				"path", path, "deleted", deleted)
		}
		in.logger.InfoContext(ctx, "Removed certificate for deleted file.",
			"path", path, "strategy", "by_path")
		return nil
	}

	// the row may hold an older path if the file was moved before
	name := stem(path)
	cert, err := in.store.GetCertificateByName(ctx, orgID, name)
	if trace.IsNotFound(err) {
		in.logger.InfoContext(ctx, "No catalog row for deleted file.", "path", path)
		return nil
	}
	if err != nil {
		return trace.Wrap(err)
	}
	if err := in.store.DeleteCertificate(ctx, orgID, cert.ID); err != nil {
		return trace.Wrap(err)
	}
	in.logger.InfoContext(ctx, "Removed certificate for deleted file.",
		"path", path, "strategy", "by_name")
	return nil
}

// BatchOptions control one drop zone scan.
type BatchOptions struct {
	// Limit caps the number of files processed, zero means the default.
	Limit int
	// Prune drops rows whose source file is gone from disk.
	Prune bool
	// Dedupe collapses rows sharing a fingerprint, then a serial.
	Dedupe bool
	// ActorUserID attributes the batch audit event to an operator.
	ActorUserID string
	// IP is the operator address recorded on the audit event.
	IP string
}

// BatchResult is the outcome of one drop zone scan.
type BatchResult struct {
	Inserted int      `json:"inserted"`
	Updated  int      `json:"updated"`
	Failed   int      `json:"failed"`
	Total    int      `json:"total"`
	Pruned   int      `json:"pruned"`
	Deduped  int      `json:"deduped"`
	Errors   []string `json:"errors"`
}

// IngestFromFS scans the drop zone and reconciles every bundle against
// the catalog as it stood when the scan started. Duplicates the scan
// itself introduces are collapsed by the dedupe pass.
func (in *Ingester) IngestFromFS(ctx context.Context, orgID int64, opts BatchOptions) (*BatchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaults.IngestBatchLimit
	}
	files, err := in.scanRoot()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(files) > opts.Limit {
		files = files[:opts.Limit]
	}

	catalog, err := in.store.ListCertificates(ctx, orgID, storage.CertificateFilter{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	snap := newSnapshot(catalog)

	result := &BatchResult{Total: len(files)}
	for _, file := range files {
		path := filepath.Join(in.rootPath, file)
		name := stem(path)
		info, parseErr := in.parseFile(ctx, path, name)
		if parseErr != nil {
			result.Failed++
			if len(result.Errors) < defaults.IngestErrorsCap {
				result.Errors = append(result.Errors, fmt.Sprintf("%v: %v", file, parseErr))
			}
			filesTotal.WithLabelValues("failed").Inc()
		} else {
			filesTotal.WithLabelValues("ok").Inc()
		}

		now := in.clock.Now().UTC()
		var res *Result
		err := in.store.WithTx(ctx, func(tx storage.Store) error {
			var err error
			res, err = in.apply(ctx, tx, orgID, snap.lookup(info, name), name, path, info, parseErr, now)
			return trace.Wrap(err)
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if res.Inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}

	if opts.Prune {
		if result.Pruned, err = in.prune(ctx, orgID); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if opts.Dedupe {
		if result.Deduped, err = in.dedupe(ctx, orgID); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	err = in.store.AppendAuditEvent(ctx, events.Event{
		OrgID:       orgID,
		Action:      events.CertIngestFromFS,
		EntityType:  events.EntityCertificate,
		ActorUserID: opts.ActorUserID,
		IP:          opts.IP,
		Meta: map[string]any{
			"inserted": result.Inserted,
			"updated":  result.Updated,
			"failed":   result.Failed,
			"total":    result.Total,
			"pruned":   result.Pruned,
			"deduped":  result.Deduped,
			"limit":    opts.Limit,
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	in.logger.InfoContext(ctx, "Drop zone scan finished.",
		"total", result.Total, "inserted", result.Inserted, "updated", result.Updated,
		"failed", result.Failed, "pruned", result.Pruned, "deduped", result.Deduped)
	return result, nil
}

func (in *Ingester) scanRoot() ([]string, error) {
	entries, err := os.ReadDir(in.rootPath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !HasBundleExt(entry.Name()) {
			continue
		}
		files = append(files, entry.Name())
	}
	return files, nil
}

func (in *Ingester) prune(ctx context.Context, orgID int64) (int, error) {
	certs, err := in.store.ListCertificates(ctx, orgID, storage.CertificateFilter{})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	pruned := 0
	for _, cert := range certs {
		if cert.SourcePath == "" {
			continue
		}
		_, err := os.Stat(cert.SourcePath)
		if err == nil {
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			in.logger.WarnContext(ctx, "Skipping prune candidate, stat failed.",
				"path", cert.SourcePath, "error", err)
			continue
		}
		if err := in.store.DeleteCertificate(ctx, orgID, cert.ID); err != nil {
			return pruned, trace.Wrap(err)
		}
		in.logger.InfoContext(ctx, "Pruned certificate, source file is gone.",
			"name", cert.Name, "path", cert.SourcePath)
		pruned++
	}
	return pruned, nil
}

func (in *Ingester) dedupe(ctx context.Context, orgID int64) (int, error) {
	certs, err := in.store.ListCertificates(ctx, orgID, storage.CertificateFilter{})
	if err != nil {
		return 0, trace.Wrap(err)
	}

	doomed := duplicateRows(certs, func(c storage.Certificate) string { return c.SHA1Fingerprint })
	survivors := without(certs, doomed)
	doomed = append(doomed, duplicateRows(survivors, func(c storage.Certificate) string { return c.SerialNumber })...)

	for _, cert := range doomed {
		if err := in.store.DeleteCertificate(ctx, orgID, cert.ID); err != nil {
			return 0, trace.Wrap(err)
		}
		in.logger.InfoContext(ctx, "Collapsed duplicate certificate.",
			"name", cert.Name, "fingerprint", cert.SHA1Fingerprint)
	}
	return len(doomed), nil
}

// duplicateRows groups rows by non-empty key and returns every row but
// the most recently ingested per group.
func duplicateRows(certs []storage.Certificate, key func(storage.Certificate) string) []storage.Certificate {
	groups := make(map[string][]storage.Certificate)
	for _, cert := range certs {
		if k := key(cert); k != "" {
			groups[k] = append(groups[k], cert)
		}
	}
	var doomed []storage.Certificate
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			return moreRecentlyIngested(group[i], group[j])
		})
		doomed = append(doomed, group[1:]...)
	}
	return doomed
}

func moreRecentlyIngested(a, b storage.Certificate) bool {
	at, bt := a.LastIngestedAt, b.LastIngestedAt
	switch {
	case at == nil && bt == nil:
	case at == nil:
		return false
	case bt == nil:
		return true
	case !at.Equal(*bt):
		return at.After(*bt)
	}
	return a.ID > b.ID
}

func without(certs, doomed []storage.Certificate) []storage.Certificate {
	drop := make(map[int64]bool, len(doomed))
	for _, cert := range doomed {
		drop[cert.ID] = true
	}
	var out []storage.Certificate
	for _, cert := range certs {
		if !drop[cert.ID] {
			out = append(out, cert)
		}
	}
	return out
}

// snapshot indexes the catalog at batch start for reconciliation.
type snapshot struct {
	bySHA1   map[string]*storage.Certificate
	bySerial map[string]*storage.Certificate
	byName   map[string]*storage.Certificate
}

func newSnapshot(certs []storage.Certificate) *snapshot {
	s := &snapshot{
		bySHA1:   make(map[string]*storage.Certificate),
		bySerial: make(map[string]*storage.Certificate),
		byName:   make(map[string]*storage.Certificate),
	}
	// on key collisions the earliest row wins, matching the by-field
	// store lookups
	for i := range certs {
		cert := &certs[i]
		if cert.SHA1Fingerprint != "" {
			if prev, ok := s.bySHA1[cert.SHA1Fingerprint]; !ok || cert.ID < prev.ID {
				s.bySHA1[cert.SHA1Fingerprint] = cert
			}
		}
		if cert.SerialNumber != "" {
			if prev, ok := s.bySerial[cert.SerialNumber]; !ok || cert.ID < prev.ID {
				s.bySerial[cert.SerialNumber] = cert
			}
		}
		if prev, ok := s.byName[cert.Name]; !ok || cert.ID < prev.ID {
			s.byName[cert.Name] = cert
		}
	}
	return s
}

func (s *snapshot) lookup(info *bundleInfo, name string) *storage.Certificate {
	if info != nil {
		if info.SHA1Fingerprint != "" {
			if cert := s.bySHA1[info.SHA1Fingerprint]; cert != nil {
				return cert
			}
		}
		if info.SerialNumber != "" {
			if cert := s.bySerial[info.SerialNumber]; cert != nil {
				return cert
			}
		}
	}
	return s.byName[name]
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
