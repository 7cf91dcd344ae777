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
	"regexp"
	"strings"
)

// Operators drop bundles named like "acme senha 1234.pfx", embedding the
// PKCS#12 password after the token "senha". The token and everything
// after it is the password; separators vary across uploaders.
var passwordPattern = regexp.MustCompile(`(?i)senha[:=\s_-]+(.+)`)

// GuessPassword extracts the password embedded in a filename stem.
// Returns false when the stem carries no password token.
func GuessPassword(stem string) (string, bool) {
	m := passwordPattern.FindStringSubmatch(stem)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// CandidatePasswords returns the passwords to try against a bundle, in
// order: the guessed password, its dequoted variant, then the empty
// string for passwordless bundles. Duplicates are removed, order kept.
func CandidatePasswords(stem string) []string {
	var candidates []string
	if guessed, ok := GuessPassword(stem); ok {
		candidates = append(candidates, guessed, dequote(guessed))
	}
	candidates = append(candidates, "")

	seen := make(map[string]bool, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// PrimaryPassword returns the password an agent should present for the
// bundle at path: the first candidate for its filename stem. Empty for
// passwordless bundles.
func PrimaryPassword(path string) string {
	return CandidatePasswords(stem(path))[0]
}

func dequote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

var (
	sanitizePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)senha\s*[:=]?\s*\S+`),
		regexp.MustCompile(`(?i)senha[_-]?\S+`),
		regexp.MustCompile(`(?i)\bsenha\b`),
	}
	collapseDashes = regexp.MustCompile(`[_-]{2,}`)
	collapseSpaces = regexp.MustCompile(`\s{2,}`)
	trimEdges      = regexp.MustCompile(`^[-_ ]+|[-_ ]+$`)
)

// SanitizeName strips password tokens from a certificate name so
// listings never leak the password back to operators.
func SanitizeName(value string) string {
	sanitized := value
	for _, p := range sanitizePatterns {
		sanitized = p.ReplaceAllString(sanitized, "")
	}
	sanitized = collapseDashes.ReplaceAllString(sanitized, "-")
	sanitized = collapseSpaces.ReplaceAllString(sanitized, " ")
	sanitized = trimEdges.ReplaceAllString(sanitized, "")
	return strings.TrimSpace(sanitized)
}
