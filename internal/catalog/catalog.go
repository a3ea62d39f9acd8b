// Package catalog holds the per-binary version requirements that decide which
// releases the provisioner may install.
package catalog

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/turtacn/rigkeeper/pkg/errors"
	"github.com/turtacn/rigkeeper/pkg/semver"
)

//go:embed manifests/*.json
var bundled embed.FS

// Requirement constrains the acceptable versions of one binary.
type Requirement struct {
	Binary     string
	Raw        string
	Constraint semver.Constraint
	// Prerelease admits prerelease versions whose tag contains this string.
	// Empty means prereleases are rejected.
	Prerelease string
	// Platforms lists "os" or "os/arch" entries the binary exists for.
	// Empty means every platform.
	Platforms []string
}

// Allows reports whether v satisfies the requirement.
func (r Requirement) Allows(v semver.Version) bool {
	if v.IsZero() {
		return false
	}
	if pre := v.Prerelease(); pre != "" {
		if r.Prerelease == "" || !strings.Contains(pre, r.Prerelease) {
			return false
		}
		return semver.Satisfies(v.Release(), r.Constraint)
	}
	return semver.Satisfies(v, r.Constraint)
}

// Supports reports whether the binary is published for goos/goarch.
func (r Requirement) Supports(goos, goarch string) bool {
	if len(r.Platforms) == 0 {
		return true
	}
	for _, p := range r.Platforms {
		if p == goos || p == goos+"/"+goarch {
			return true
		}
	}
	return false
}

// SupportsHost is Supports for the running platform.
func (r Requirement) SupportsHost() bool {
	return r.Supports(runtime.GOOS, runtime.GOARCH)
}

// Catalog maps binary names onto requirements. It is immutable after Parse.
type Catalog struct {
	reqs map[string]Requirement
}

type entry struct {
	Version    string   `json:"version"`
	Prerelease string   `json:"prerelease"`
	Platforms  []string `json:"platforms"`
}

// Parse decodes a manifest. Values are either a range string or an object
// with version, prerelease and platforms fields.
func Parse(data []byte) (*Catalog, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "ParseManifest", "invalid json", err)
	}

	c := &Catalog{reqs: make(map[string]Requirement, len(raw))}
	for name, msg := range raw {
		var e entry
		var s string
		if err := json.Unmarshal(msg, &s); err == nil {
			e.Version = s
		} else if err := json.Unmarshal(msg, &e); err != nil {
			return nil, errors.New(errors.ErrCodeConfigInvalid, "ParseManifest",
				fmt.Sprintf("entry %q must be a string or object", name), err)
		}

		constraint, err := semver.ParseConstraint(e.Version)
		if err != nil {
			return nil, errors.New(errors.ErrCodeConfigInvalid, "ParseManifest",
				fmt.Sprintf("entry %q", name), err)
		}
		c.reqs[name] = Requirement{
			Binary:     name,
			Raw:        constraint.String(),
			Constraint: constraint,
			Prerelease: e.Prerelease,
			Platforms:  e.Platforms,
		}
	}
	return c, nil
}

// Load reads a manifest from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "LoadManifest", "read "+path, err)
	}
	return Parse(data)
}

// Bundled returns the manifest shipped for network.
func Bundled(network string) (*Catalog, error) {
	data, err := bundled.ReadFile("manifests/" + network + ".json")
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "LoadManifest", "no bundled manifest for network "+network, err)
	}
	return Parse(data)
}

// Requirement returns the requirement for binary, defaulting to any version.
func (c *Catalog) Requirement(binary string) Requirement {
	if c != nil {
		if r, ok := c.reqs[binary]; ok {
			return r
		}
	}
	return Requirement{Binary: binary, Raw: "*", Constraint: semver.Any()}
}

// Names lists the binaries with an explicit entry, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.reqs))
	for n := range c.reqs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
