// Package binary downloads, verifies and installs the prebuilt executable a
// formula describes.
//
// # Security Model
//
// An artifact is never installed unless its bytes hash to the SHA-256
// digest the formula declares:
//   - Downloads are streamed to a staging directory and capped in size
//   - The digest is checked in constant time, and checked again under the
//     target lock right before the executable is committed
//   - A formula may also carry an OpenPGP detached signature, verified
//     against a configured keyring
//   - Archive entries that would escape the extraction directory are rejected
//
// # Install Flow
//
//	Pending -> Fetching -> Verifying -> Installing -> Done
//
// Any step may end in Failed. A digest mismatch triggers exactly one
// refetch (evicting the cache entry if the artifact came from the cache);
// a second mismatch is fatal. The executable is written to a temporary file
// in the target directory and renamed into place, so the target is either
// the previous file or the complete new one.
//
// # Usage
//
//	orch, err := binary.NewOrchestrator(binary.Config{
//	    BinDir:   "/home/user/.local/bin",
//	    CacheDir: "/home/user/.cache/keg/downloads",
//	})
//	if err != nil {
//	    return err
//	}
//
//	result := orch.Install(ctx, manifest)
//	if !result.OK() {
//	    return errors.New(result.Error())
//	}
//
// # Architecture
//
// The package is organized into several components:
//   - Orchestrator: the install state machine, staging, locking and journal
//   - Fetcher: HTTP download with retry logic and a size cap
//   - Verifier: SHA-256 and OpenPGP verification
//   - Installer: tar.gz extraction and atomic placement
package binary
