// Package provision resolves, downloads, verifies and extracts the worker
// binaries rigkeeper supervises. Every version lives in its own directory:
//
//	<root>/<binary>/<version>/[in_progress/]<executable>
//
// A leftover in_progress directory marks an interrupted install and is wiped
// before the next attempt.
package provision

import (
	"context"
	"runtime"

	"github.com/turtacn/rigkeeper/pkg/semver"
)

// Binary names one external worker executable.
type Binary struct {
	Name string
	// Executable is the base file name; defaults to Name.
	Executable string
}

// FileName returns the platform specific executable file name.
func (b Binary) FileName(goos string) string {
	name := b.Executable
	if name == "" {
		name = b.Name
	}
	if goos == "windows" {
		return name + ".exe"
	}
	return name
}

// HostFileName is FileName for the running platform.
func (b Binary) HostFileName() string { return b.FileName(runtime.GOOS) }

// Asset is one downloadable file of a release.
type Asset struct {
	URL      string
	FileName string
	// ChecksumURL points at a companion sha256 file; empty when none is published.
	ChecksumURL string
}

// Candidate is a release discovered from a ReleaseSource.
type Candidate struct {
	Version semver.Version
	Assets  []Asset
}

// Installed is a version whose executable is present on disk.
type Installed struct {
	Version    semver.Version
	Dir        string
	Executable string
}

// ReleaseSource lists and locates releases for a single binary family.
type ReleaseSource interface {
	// FetchReleasesList returns every known release, newest first.
	FetchReleasesList(ctx context.Context) ([]Candidate, error)
	// FindAssetForPlatform picks the asset to install on this host.
	FindAssetForPlatform(c Candidate) (Asset, error)
	// InstallRoot is the directory holding one subdirectory per version.
	InstallRoot() string
}
