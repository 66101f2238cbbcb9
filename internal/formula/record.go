package formula

import (
	"bytes"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// record is the flat on-disk shape shared by the YAML, JSON and TOML forms.
// Both the short formula keys (url, sha256, binary) and the long record keys
// (downloadUrl, digest, binaryName) are accepted.
type record struct {
	Name         string `yaml:"name" toml:"name"`
	Description  string `yaml:"description" toml:"description"`
	Desc         string `yaml:"desc" toml:"desc"`
	Homepage     string `yaml:"homepage" toml:"homepage"`
	URL          string `yaml:"url" toml:"url"`
	DownloadURL  string `yaml:"downloadUrl" toml:"downloadUrl"`
	SHA256       string `yaml:"sha256" toml:"sha256"`
	Digest       string `yaml:"digest" toml:"digest"`
	Version      string `yaml:"version" toml:"version"`
	Binary       string `yaml:"binary" toml:"binary"`
	BinaryName   string `yaml:"binaryName" toml:"binaryName"`
	Signature    string `yaml:"signature" toml:"signature"`
	SignatureURL string `yaml:"signatureUrl" toml:"signatureUrl"`
}

func (r *record) manifest(source string) (*Manifest, error) {
	m := &Manifest{
		Name:     r.Name,
		Homepage: r.Homepage,
		Version:  r.Version,
	}

	var err error
	if m.Description, err = pick(source, "description", r.Description, r.Desc); err != nil {
		return nil, err
	}
	if m.DownloadURL, err = pick(source, "url", r.URL, r.DownloadURL); err != nil {
		return nil, err
	}
	if m.Digest, err = pick(source, "sha256", r.SHA256, r.Digest); err != nil {
		return nil, err
	}
	if m.BinaryName, err = pick(source, "binary", r.Binary, r.BinaryName); err != nil {
		return nil, err
	}
	if m.SignatureURL, err = pick(source, "signature", r.Signature, r.SignatureURL); err != nil {
		return nil, err
	}

	return m, nil
}

// pick returns whichever alias is set, rejecting conflicting values.
func pick(source, field, short, long string) (string, error) {
	switch {
	case short == "":
		return long, nil
	case long == "" || long == short:
		return short, nil
	default:
		return "", &ParseError{
			Source:  source,
			Field:   field,
			Message: fmt.Sprintf("set twice with different values (%q, %q)", short, long),
		}
	}
}

// parseYAML decodes a YAML or JSON record. Unknown keys are rejected so a
// misspelt "sha265" cannot silently drop the digest.
func parseYAML(raw []byte, source string) (*Manifest, error) {
	var r record
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return nil, &ParseError{Source: source, Message: "invalid record", Err: err}
	}
	return r.manifest(source)
}

func parseTOML(raw []byte, source string) (*Manifest, error) {
	var r record
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return nil, &ParseError{Source: source, Message: "invalid record", Err: err}
	}
	return r.manifest(source)
}
