package binary

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // Using ProtonMail's maintained fork
)

// hashChunkSize is how much is hashed between cancellation checks.
const hashChunkSize = 1 << 20

// Verifier checks artifacts against the digest a formula declares.
type Verifier struct {
	chunkSize int
}

// NewVerifier creates a new verifier
func NewVerifier() *Verifier {
	return &Verifier{chunkSize: hashChunkSize}
}

// Digest returns the lowercase hex SHA-256 of the file at path. The file is
// streamed, and ctx is checked between chunks so a long hash pass can be
// abandoned promptly.
func (v *Verifier) Digest(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	buf := make([]byte, v.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := file.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read artifact: %w", err)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Verify hashes the file at path and compares it with expected. A mismatch
// is a *VerificationError carrying both digests.
func (v *Verifier) Verify(ctx context.Context, path, expected string) error {
	want, err := hex.DecodeString(strings.TrimSpace(expected))
	if err != nil || len(want) != sha256.Size {
		return fmt.Errorf("expected digest %q is not a hex SHA-256", expected)
	}

	actual, err := v.Digest(ctx, path)
	if err != nil {
		return err
	}

	got, _ := hex.DecodeString(actual)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return &VerificationError{
			Expected: strings.ToLower(expected),
			Actual:   actual,
			Path:     path,
		}
	}

	return nil
}

// VerifySignature checks an OpenPGP detached signature (armored or binary)
// of the artifact against the keys in keyringPath.
func (v *Verifier) VerifySignature(artifactPath, signaturePath, keyringPath string) error {
	keyring, err := loadKeyring(keyringPath)
	if err != nil {
		return fmt.Errorf("load keyring: %w", err)
	}

	artifact, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer artifact.Close()

	sig, err := os.Open(signaturePath)
	if err != nil {
		return fmt.Errorf("open signature: %w", err)
	}
	defer sig.Close()

	// Try armored first
	_, err = openpgp.CheckArmoredDetachedSignature(keyring, artifact, sig, nil)
	if err != nil {
		if _, serr := artifact.Seek(0, io.SeekStart); serr != nil {
			return fmt.Errorf("rewind artifact: %w", serr)
		}
		if _, serr := sig.Seek(0, io.SeekStart); serr != nil {
			return fmt.Errorf("rewind signature: %w", serr)
		}
		_, err = openpgp.CheckDetachedSignature(keyring, artifact, sig, nil)
	}
	if err != nil {
		return &VerificationError{Path: artifactPath, Signature: true, Err: err}
	}

	return nil
}

// loadKeyring reads an armored or binary OpenPGP public keyring.
func loadKeyring(path string) (openpgp.EntityList, error) {
	keyringFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	defer keyringFile.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(keyringFile)
	if err != nil {
		if _, serr := keyringFile.Seek(0, io.SeekStart); serr != nil {
			return nil, fmt.Errorf("rewind keyring: %w", serr)
		}
		keyring, err = openpgp.ReadKeyRing(keyringFile)
		if err != nil {
			return nil, fmt.Errorf("read keyring: %w", err)
		}
	}

	if len(keyring) == 0 {
		return nil, fmt.Errorf("keyring is empty")
	}

	return keyring, nil
}
