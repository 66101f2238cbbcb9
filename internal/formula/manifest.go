// Package formula parses and validates formulas: declarative records that
// name one prebuilt executable, the archive it ships in, and the SHA-256
// digest that archive must hash to.
//
// Formulas can be written in the Homebrew Ruby DSL, as flat YAML, JSON or
// TOML records, or as a sandboxed Lua chunk that may pick per-platform
// assets. All forms produce the same immutable Manifest value.
package formula

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// DigestLength is the length of a hex-encoded SHA-256 digest.
const DigestLength = 64

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)

// Manifest describes one installable artifact.
// A Manifest is never mutated after Parse returns it.
type Manifest struct {
	Name         string
	Description  string
	Homepage     string
	DownloadURL  string
	Digest       string // lowercase hex SHA-256 of the archive
	Version      string
	BinaryName   string
	SignatureURL string // optional OpenPGP detached signature of the archive
	Source       string // file the record was read from, or "<inline>"
}

// ID returns "name@version".
func (m *Manifest) ID() string {
	return m.Name + "@" + m.Version
}

// ArchiveFileName returns the last path element of the download URL.
// It is used to name the staged and cached copies of the archive.
func (m *Manifest) ArchiveFileName() string {
	u, err := url.Parse(m.DownloadURL)
	if err != nil {
		return m.Name + ".tar.gz"
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == ".." || base == "/" {
		return m.Name + ".tar.gz"
	}
	return base
}

// Validate checks field presence and shape. It performs no I/O.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return m.fieldError("name", "is required")
	}
	if !namePattern.MatchString(m.Name) {
		return m.fieldError("name", fmt.Sprintf("%q contains invalid characters", m.Name))
	}

	if err := validateURL(m.DownloadURL); err != nil {
		return m.fieldError("url", err.Error())
	}

	if m.Homepage != "" {
		if err := validateURL(m.Homepage); err != nil {
			return m.fieldError("homepage", err.Error())
		}
	}

	if m.SignatureURL != "" {
		if err := validateURL(m.SignatureURL); err != nil {
			return m.fieldError("signature", err.Error())
		}
	}

	if err := validateDigest(m.Digest); err != nil {
		return m.fieldError("sha256", err.Error())
	}

	if m.Version == "" {
		return m.fieldError("version", "is required")
	}
	if !isPathElement(m.Version) {
		return m.fieldError("version", fmt.Sprintf("%q must not contain path separators", m.Version))
	}

	if m.BinaryName == "" {
		return m.fieldError("binary", "is required")
	}
	if !isPathElement(m.BinaryName) {
		return m.fieldError("binary", fmt.Sprintf("%q must be a plain file name", m.BinaryName))
	}

	return nil
}

func (m *Manifest) fieldError(field, msg string) *ParseError {
	return &ParseError{Source: m.Source, Field: field, Message: msg}
}

// validateURL requires an absolute http(s) URL with a host.
func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed (want http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	return nil
}

func validateDigest(digest string) error {
	if digest == "" {
		return fmt.Errorf("is required")
	}
	if len(digest) != DigestLength {
		return fmt.Errorf("want %d hex characters, got %d", DigestLength, len(digest))
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("not a hex string")
	}
	return nil
}

func isPathElement(s string) bool {
	if s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`) && !strings.Contains(s, "..")
}

// normalize trims whitespace and lowercases the digest.
func (m *Manifest) normalize() {
	m.Name = strings.TrimSpace(m.Name)
	m.Description = strings.TrimSpace(m.Description)
	m.Homepage = strings.TrimSpace(m.Homepage)
	m.DownloadURL = strings.TrimSpace(m.DownloadURL)
	m.Digest = strings.ToLower(strings.TrimSpace(m.Digest))
	m.Version = strings.TrimSpace(m.Version)
	m.BinaryName = strings.TrimSpace(m.BinaryName)
	m.SignatureURL = strings.TrimSpace(m.SignatureURL)
}
