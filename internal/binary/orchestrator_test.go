package binary

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
	"github.com/ZebulonRouseFrantzich/keg/internal/transaction"
)

// artifactServer serves release files and counts requests per path.
type artifactServer struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string][][]byte // successive responses; the last one repeats
	requests map[string]int
	failures int // upcoming requests answered with 503
}

func newArtifactServer(t *testing.T) *artifactServer {
	t.Helper()
	s := &artifactServer{
		files:    make(map[string][][]byte),
		requests: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *artifactServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests[r.URL.Path]++
	n := s.requests[r.URL.Path]
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	bodies, ok := s.files[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if n > len(bodies) {
		n = len(bodies)
	}
	w.Write(bodies[n-1])
}

// set registers the bodies returned for path, in order.
func (s *artifactServer) set(path string, bodies ...[]byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = bodies
	s.requests[path] = 0
	return s.URL + path
}

func (s *artifactServer) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

func (s *artifactServer) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func newTestOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.BinDir == "" {
		cfg.BinDir = filepath.Join(t.TempDir(), "bin")
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = t.TempDir()
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.FreeSpace == nil {
		cfg.FreeSpace = plentyOfSpace
	}
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return o
}

func testManifest(name, version, url, digest string) *formula.Manifest {
	return &formula.Manifest{
		Name:        name,
		Version:     version,
		DownloadURL: url,
		Digest:      digest,
		BinaryName:  name,
		Homepage:    "https://github.com/chevdor/subwasm",
	}
}

const subwasmPath = "/chevdor/subwasm/releases/download/v0.21.3/subwasm_macos_v0.21.3.tar.gz"

func assertStagingEmpty(t *testing.T, o *Orchestrator) {
	t.Helper()
	entries, err := os.ReadDir(o.stagingDir)
	if err != nil {
		t.Fatalf("read staging root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("staging root should be empty, has %d entries", len(entries))
	}
}

func TestNewOrchestrator(t *testing.T) {
	if _, err := NewOrchestrator(Config{}); err == nil {
		t.Error("expected error without BinDir")
	}

	o, err := NewOrchestrator(Config{BinDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	if o.Cache() != nil {
		t.Error("cache should be disabled without CacheDir")
	}
	if o.fetcher.MaxSize() != DefaultMaxArtifactSize {
		t.Errorf("expected default max size, got %d", o.fetcher.MaxSize())
	}
}

func TestOrchestratorInstall_Success(t *testing.T) {
	server := newArtifactServer(t)
	archive := createBinaryTarGz(t, "subwasm", "subwasm 0.21.3")
	url := server.set(subwasmPath, archive)

	o := newTestOrchestrator(t, Config{})
	m := testManifest("subwasm", "0.21.3", url, sha256Hex(archive))

	result := o.Install(context.Background(), m)
	if !result.OK() {
		t.Fatalf("Install failed: %s", result.Error())
	}

	if result.Stage != StateDone || result.Attempts != 1 || result.FromCache {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.InstalledPath != filepath.Join(o.binDir, "subwasm") {
		t.Errorf("unexpected path %s", result.InstalledPath)
	}
	if data, _ := os.ReadFile(result.InstalledPath); string(data) != "subwasm 0.21.3" {
		t.Errorf("unexpected content %q", data)
	}
	if result.Status.ExitCode() != 0 || result.Error() != "" {
		t.Errorf("success should map to exit code 0 with no error text")
	}
	if result.Duration <= 0 {
		t.Error("Duration should be set")
	}
	assertStagingEmpty(t, o)
}

func TestOrchestratorInstall_DigestMismatch(t *testing.T) {
	server := newArtifactServer(t)
	archive := createBinaryTarGz(t, "subwasm", "subwasm 0.21.3")
	url := server.set(subwasmPath, archive)

	binDir := filepath.Join(t.TempDir(), "bin")
	o := newTestOrchestrator(t, Config{BinDir: binDir})
	wrong := sha256Hex([]byte("some other archive"))
	m := testManifest("subwasm", "0.21.3", url, wrong)

	result := o.Install(context.Background(), m)

	if result.Status != StatusVerificationFailed {
		t.Fatalf("expected VerificationFailed, got %s (%v)", result.Status, result.Err)
	}
	if result.Status.ExitCode() != 2 {
		t.Errorf("expected exit code 2, got %d", result.Status.ExitCode())
	}
	if result.Stage != StateVerifying {
		t.Errorf("expected failure in verifying, got %s", result.Stage)
	}
	if result.Attempts != 2 || server.count(subwasmPath) != 2 {
		t.Errorf("expected exactly one refetch, attempts=%d requests=%d", result.Attempts, server.count(subwasmPath))
	}

	var verr *VerificationError
	if !errors.As(result.Err, &verr) {
		t.Fatalf("expected *VerificationError, got %v", result.Err)
	}
	if verr.Expected != wrong || verr.Actual != sha256Hex(archive) {
		t.Errorf("unexpected digests: %+v", verr)
	}
	msg := result.Error()
	for _, want := range []string{"subwasm@0.21.3", "verifying", wrong, sha256Hex(archive)} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q should contain %q", msg, want)
		}
	}

	if _, err := os.Stat(filepath.Join(binDir, "subwasm")); !os.IsNotExist(err) {
		t.Error("nothing should be installed after a mismatch")
	}
	assertStagingEmpty(t, o)
}

func TestOrchestratorInstall_RefetchRecovers(t *testing.T) {
	server := newArtifactServer(t)
	archive := createBinaryTarGz(t, "subwasm", "good")
	corrupted := append([]byte(nil), archive...)
	corrupted[len(corrupted)/2] ^= 0x01
	url := server.set(subwasmPath, corrupted, archive)

	o := newTestOrchestrator(t, Config{})
	result := o.Install(context.Background(), testManifest("subwasm", "0.21.3", url, sha256Hex(archive)))

	if !result.OK() {
		t.Fatalf("Install failed: %s", result.Error())
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}
}

func TestOrchestratorInstall_RerunAfterNetworkFailure(t *testing.T) {
	server := newArtifactServer(t)
	archive := createBinaryTarGz(t, "subwasm", "subwasm 0.21.3")
	url := server.set(subwasmPath, archive)

	binDir := filepath.Join(t.TempDir(), "bin")
	o := newTestOrchestrator(t, Config{BinDir: binDir, Retries: 2})
	m := testManifest("subwasm", "0.21.3", url, sha256Hex(archive))

	server.failNext(2)
	first := o.Install(context.Background(), m)
	if first.Status != StatusFetchFailed || first.Stage != StateFetching {
		t.Fatalf("expected FetchFailed in fetching, got %s in %s", first.Status, first.Stage)
	}
	var ferr *FetchError
	if !errors.As(first.Err, &ferr) || ferr.Kind != FetchNetworkUnavailable {
		t.Errorf("expected NetworkUnavailable, got %v", first.Err)
	}
	if _, err := os.Stat(filepath.Join(binDir, "subwasm")); !os.IsNotExist(err) {
		t.Error("nothing should be installed after a fetch failure")
	}
	assertStagingEmpty(t, o)

	second := o.Install(context.Background(), m)
	if !second.OK() {
		t.Fatalf("rerun failed: %s", second.Error())
	}
	if data, _ := os.ReadFile(second.InstalledPath); string(data) != "subwasm 0.21.3" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestOrchestratorInstall_FetchErrors(t *testing.T) {
	server := newArtifactServer(t)
	o := newTestOrchestrator(t, Config{})

	result := o.Install(context.Background(), testManifest("subwasm", "0.21.3", server.URL+"/missing.tar.gz", strings.Repeat("a", 64)))
	if result.Status != StatusFetchFailed || result.Status.ExitCode() != 1 {
		t.Fatalf("expected FetchFailed, got %s", result.Status)
	}
	var ferr *FetchError
	if !errors.As(result.Err, &ferr) || ferr.Kind != FetchNotFound {
		t.Errorf("expected NotFound, got %v", result.Err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	url := server.set("/x.tar.gz", []byte("x"))
	result = o.Install(ctx, testManifest("x", "1", url, sha256Hex([]byte("x"))))
	if result.Status != StatusFetchFailed {
		t.Errorf("canceled install should be FetchFailed, got %s", result.Status)
	}
	assertStagingEmpty(t, o)
}

func TestOrchestratorInstall_InvalidManifest(t *testing.T) {
	server := newArtifactServer(t)
	o := newTestOrchestrator(t, Config{})

	tests := []struct {
		name     string
		manifest *formula.Manifest
	}{
		{"nil_manifest", nil},
		{"ftp_url", testManifest("subwasm", "0.21.3", "ftp://example.com/a.tar.gz", strings.Repeat("a", 64))},
		{"relative_url", testManifest("subwasm", "0.21.3", "subwasm.tar.gz", strings.Repeat("a", 64))},
		{"empty_digest", testManifest("subwasm", "0.21.3", server.URL+"/a.tar.gz", "")},
		{"short_digest", testManifest("subwasm", "0.21.3", server.URL+"/a.tar.gz", "abc")},
		{"binary_with_separator", &formula.Manifest{Name: "x", Version: "1", DownloadURL: server.URL + "/a.tar.gz", Digest: strings.Repeat("a", 64), BinaryName: "../x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := o.Install(context.Background(), tt.manifest)
			if result.Status != StatusInvalidManifest || result.Status.ExitCode() != 4 {
				t.Fatalf("expected InvalidManifest, got %s (%v)", result.Status, result.Err)
			}
			if result.Stage != StatePending {
				t.Errorf("expected failure in pending, got %s", result.Stage)
			}
			var perr *formula.ParseError
			if !errors.As(result.Err, &perr) {
				t.Errorf("expected *formula.ParseError, got %v", result.Err)
			}
		})
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.requests) != 0 {
		t.Errorf("invalid manifests must not reach the network, got %v", server.requests)
	}
}

func TestOrchestratorInstall_BinaryNotFound(t *testing.T) {
	server := newArtifactServer(t)
	archive := createBinaryTarGz(t, "subwasm", "x")
	url := server.set(subwasmPath, archive)

	binDir := t.TempDir()
	writeFile(t, binDir, "srtool", []byte("old srtool"))

	o := newTestOrchestrator(t, Config{BinDir: binDir})
	m := testManifest("srtool", "0.9.0", url, sha256Hex(archive))

	result := o.Install(context.Background(), m)
	if result.Status != StatusInstallFailed || result.Status.ExitCode() != 3 {
		t.Fatalf("expected InstallFailed, got %s", result.Status)
	}
	if result.Stage != StateInstalling {
		t.Errorf("expected failure in installing, got %s", result.Stage)
	}
	var ierr *InstallError
	if !errors.As(result.Err, &ierr) || ierr.Kind != InstallBinaryNotFound {
		t.Errorf("expected BinaryNotFound, got %v", result.Err)
	}
	if data, _ := os.ReadFile(filepath.Join(binDir, "srtool")); string(data) != "old srtool" {
		t.Error("previous binary should be untouched")
	}
}

func TestOrchestratorInstall_ConcurrentSameTarget(t *testing.T) {
	server := newArtifactServer(t)
	archiveA := createBinaryTarGz(t, "subwasm", strings.Repeat("A", 4096))
	archiveB := createBinaryTarGz(t, "subwasm", strings.Repeat("B", 4096))
	urlA := server.set("/a/subwasm.tar.gz", archiveA)
	urlB := server.set("/b/subwasm.tar.gz", archiveB)

	o := newTestOrchestrator(t, Config{StateDir: t.TempDir()})
	manifests := []*formula.Manifest{
		testManifest("subwasm", "0.21.3", urlA, sha256Hex(archiveA)),
		testManifest("subwasm", "0.21.4", urlB, sha256Hex(archiveB)),
	}

	var wg sync.WaitGroup
	results := make([]*InstallResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.Install(context.Background(), manifests[i%2])
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if !r.OK() {
			t.Errorf("install %d failed: %s", i, r.Error())
		}
	}

	data, err := os.ReadFile(filepath.Join(o.binDir, "subwasm"))
	if err != nil {
		t.Fatalf("read installed binary: %v", err)
	}
	if !bytes.Equal(data, []byte(strings.Repeat("A", 4096))) && !bytes.Equal(data, []byte(strings.Repeat("B", 4096))) {
		t.Error("installed binary must be exactly one of the two versions")
	}
	if matches, _ := filepath.Glob(filepath.Join(o.binDir, ".keg-*")); len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
	assertStagingEmpty(t, o)
}

func TestOrchestratorInstall_Cache(t *testing.T) {
	server := newArtifactServer(t)
	archive := createBinaryTarGz(t, "subwasm", "cached")
	url := server.set(subwasmPath, archive)

	o := newTestOrchestrator(t, Config{CacheDir: t.TempDir()})
	m := testManifest("subwasm", "0.21.3", url, sha256Hex(archive))

	first := o.Install(context.Background(), m)
	if !first.OK() || first.FromCache {
		t.Fatalf("first install: %+v", first)
	}

	second := o.Install(context.Background(), m)
	if !second.OK() {
		t.Fatalf("second install failed: %s", second.Error())
	}
	if !second.FromCache {
		t.Error("second install should come from the cache")
	}
	if server.count(subwasmPath) != 1 {
		t.Errorf("expected 1 network fetch, got %d", server.count(subwasmPath))
	}
}

func TestOrchestratorInstall_CanceledWhileVerifying(t *testing.T) {
	server := newArtifactServer(t)
	archive := createBinaryTarGz(t, "subwasm", "cached")
	url := server.set(subwasmPath, archive)

	o := newTestOrchestrator(t, Config{CacheDir: t.TempDir()})
	m := testManifest("subwasm", "0.21.3", url, sha256Hex(archive))
	if first := o.Install(context.Background(), m); !first.OK() {
		t.Fatalf("first install failed: %s", first.Error())
	}

	// A cache hit reaches the hash pass without touching ctx
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := o.Install(ctx, m)
	if result.Stage != StateVerifying {
		t.Fatalf("expected failure while verifying, got stage %s (%v)", result.Stage, result.Err)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
	if result.Status == StatusVerificationFailed || result.Status.ExitCode() == 2 {
		t.Errorf("cancellation must not be reported as a digest failure, got %s", result.Status)
	}
	if result.Status != StatusFetchFailed {
		t.Errorf("expected FetchFailed, got %s", result.Status)
	}
	assertStagingEmpty(t, o)
}

func TestOrchestratorInstall_CorruptCacheEntry(t *testing.T) {
	server := newArtifactServer(t)
	archive := createBinaryTarGz(t, "subwasm", "fresh")
	url := server.set(subwasmPath, archive)

	o := newTestOrchestrator(t, Config{CacheDir: t.TempDir()})
	m := testManifest("subwasm", "0.21.3", url, sha256Hex(archive))

	// Plant a bad entry under the right key
	entry, err := o.Cache().Path(cacheKey(m))
	if err != nil {
		t.Fatal(err)
	}
	os.MkdirAll(filepath.Dir(entry), 0755)
	os.WriteFile(entry, []byte("tampered"), 0644)

	result := o.Install(context.Background(), m)
	if !result.OK() {
		t.Fatalf("Install failed: %s", result.Error())
	}
	if result.FromCache || result.Attempts != 2 {
		t.Errorf("expected refetch after bad cache entry, got %+v", result)
	}
	if data, _ := os.ReadFile(entry); !bytes.Equal(data, archive) {
		t.Error("cache entry should be replaced with the verified artifact")
	}
}

func TestOrchestratorInstall_NoCacheWriteOnMismatch(t *testing.T) {
	server := newArtifactServer(t)
	archive := createBinaryTarGz(t, "subwasm", "x")
	url := server.set(subwasmPath, archive)

	o := newTestOrchestrator(t, Config{CacheDir: t.TempDir()})
	m := testManifest("subwasm", "0.21.3", url, strings.Repeat("0", 64))

	if result := o.Install(context.Background(), m); result.OK() {
		t.Fatal("expected failure")
	}
	if _, ok := o.Cache().Lookup(cacheKey(m)); ok {
		t.Error("unverified artifact must not be cached")
	}
}

func TestOrchestratorInstall_Journal(t *testing.T) {
	server := newArtifactServer(t)
	archive := createBinaryTarGz(t, "subwasm", "x")
	url := server.set(subwasmPath, archive)

	stateDir := t.TempDir()
	o := newTestOrchestrator(t, Config{StateDir: stateDir})

	for _, digest := range []string{sha256Hex(archive), strings.Repeat("0", 64)} {
		result := o.Install(context.Background(), testManifest("subwasm", "0.21.3", url, digest))
		if result.TxnID == "" {
			t.Error("TxnID should be set when a state dir is configured")
		}
		if paths, _ := transaction.List(transaction.JournalDir(stateDir)); len(paths) != 0 {
			t.Errorf("journal should be removed at a terminal state, found %v", paths)
		}
		if entries, _ := os.ReadDir(transaction.LockDir(stateDir)); len(entries) != 0 {
			t.Errorf("locks should be released, found %d", len(entries))
		}
	}
}

func TestOrchestratorInstall_Signature(t *testing.T) {
	server := newArtifactServer(t)
	dir := t.TempDir()
	entity, keyring := newTestKeyring(t, dir, "release", true)

	archive := createBinaryTarGz(t, "subwasm", "signed")
	archivePath := writeFile(t, dir, "subwasm.tar.gz", archive)
	sig, err := os.ReadFile(signFile(t, entity, archivePath, true))
	if err != nil {
		t.Fatal(err)
	}

	url := server.set(subwasmPath, archive)
	goodSig := server.set(subwasmPath+".asc", sig)
	badSig := server.set("/bad.asc", []byte("-----BEGIN PGP SIGNATURE-----\n\nAAAA\n-----END PGP SIGNATURE-----\n"))

	tests := []struct {
		name       string
		keyring    string
		sigURL     string
		wantStatus Status
	}{
		{"valid_signature", keyring, goodSig, StatusSuccess},
		{"invalid_signature", keyring, badSig, StatusVerificationFailed},
		{"no_keyring_skips", "", badSig, StatusSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(t, Config{KeyringPath: tt.keyring})
			m := testManifest("subwasm", "0.21.3", url, sha256Hex(archive))
			m.SignatureURL = tt.sigURL

			result := o.Install(context.Background(), m)
			if result.Status != tt.wantStatus {
				t.Fatalf("expected %s, got %s (%v)", tt.wantStatus, result.Status, result.Err)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		state State
		err   error
		want  Status
	}{
		{StatePending, &formula.ParseError{Field: "url"}, StatusInvalidManifest},
		{StateFetching, &FetchError{Kind: FetchTimeout}, StatusFetchFailed},
		{StateVerifying, &FetchError{Kind: FetchNotFound}, StatusFetchFailed},
		{StateVerifying, &VerificationError{}, StatusVerificationFailed},
		{StateInstalling, &VerificationError{}, StatusVerificationFailed},
		{StateInstalling, &InstallError{Kind: InstallDiskFull}, StatusInstallFailed},
		{StateVerifying, context.Canceled, StatusFetchFailed},
		{StateVerifying, fmt.Errorf("hash: %w", context.DeadlineExceeded), StatusFetchFailed},
		{StateInstalling, context.Canceled, StatusInstallFailed},
		{StateVerifying, errors.New("read artifact: short read"), StatusVerificationFailed},
		{StateInstalling, fmt.Errorf("wrapped: %w", &InstallError{}), StatusInstallFailed},
	}

	for _, tt := range tests {
		if got := statusFor(tt.state, tt.err); got != tt.want {
			t.Errorf("statusFor(%s, %v) = %s, want %s", tt.state, tt.err, got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]State{
		{StatePending, StateFetching},
		{StateFetching, StateVerifying},
		{StateVerifying, StateInstalling},
		{StateInstalling, StateDone},
		{StatePending, StateFailed},
		{StateInstalling, StateFailed},
	}
	for _, tr := range legal {
		if !canTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be legal", tr[0], tr[1])
		}
	}

	illegal := [][2]State{
		{StatePending, StateVerifying},
		{StateVerifying, StateFetching},
		{StateDone, StateFailed},
		{StateFailed, StatePending},
		{StateInstalling, StateInstalling},
	}
	for _, tr := range illegal {
		if canTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be illegal", tr[0], tr[1])
		}
	}
}
