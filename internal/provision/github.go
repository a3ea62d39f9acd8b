package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/turtacn/rigkeeper/pkg/logger"
	"github.com/turtacn/rigkeeper/pkg/semver"
	"golang.org/x/time/rate"
)

// DefaultGitHubAPI is the public release registry endpoint.
const DefaultGitHubAPI = "https://api.github.com"

// SourceOptions carries what every release source needs.
type SourceOptions struct {
	// Root is the binary root; the source installs under Root/<binary>.
	Root       string
	BaseURL    string
	HTTPClient *http.Client
	GOOS       string
	GOARCH     string
}

func (o *SourceOptions) defaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.GOOS == "" {
		o.GOOS = runtime.GOOS
	}
	if o.GOARCH == "" {
		o.GOARCH = runtime.GOARCH
	}
}

// GitHubSource lists tag based releases from a GitHub compatible registry.
type GitHubSource struct {
	binary  Binary
	repo    string
	pattern string
	opts    SourceOptions
	limiter *rate.Limiter
}

// NewGitHubSource builds a source for owner/name repo. pattern is an optional
// path.Match glob over asset names which may contain {version}, {os} and
// {arch}; without it assets are matched by platform aliases.
func NewGitHubSource(b Binary, repo, pattern string, opts SourceOptions) *GitHubSource {
	opts.defaults()
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultGitHubAPI
	}
	return &GitHubSource{
		binary:  b,
		repo:    repo,
		pattern: pattern,
		opts:    opts,
		// Unauthenticated API access is capped at 60 requests per hour.
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 3),
	}
}

func (s *GitHubSource) InstallRoot() string {
	return filepath.Join(s.opts.Root, s.binary.Name)
}

type ghRelease struct {
	TagName    string    `json:"tag_name"`
	Draft      bool      `json:"draft"`
	Prerelease bool      `json:"prerelease"`
	Assets     []ghAsset `json:"assets"`
}

type ghAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

func (s *GitHubSource) FetchReleasesList(ctx context.Context) ([]Candidate, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/repos/%s/releases?per_page=100", strings.TrimRight(s.opts.BaseURL, "/"), s.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	var releases []ghRelease
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("decode releases of %s: %w", s.repo, err)
	}

	out := make([]Candidate, 0, len(releases))
	for _, r := range releases {
		if r.Draft {
			continue
		}
		v, err := parseTag(r.TagName)
		if err != nil {
			logger.Log.Debug("Provisioner: Skipping unparseable tag", "repo", s.repo, "tag", r.TagName)
			continue
		}
		c := Candidate{Version: v}
		for _, a := range r.Assets {
			c.Assets = append(c.Assets, Asset{URL: a.BrowserDownloadURL, FileName: a.Name})
		}
		out = append(out, c)
	}
	sortCandidates(out)
	return out, nil
}

func (s *GitHubSource) FindAssetForPlatform(c Candidate) (Asset, error) {
	var match *Asset
	for i := range c.Assets {
		a := c.Assets[i]
		if isChecksumFile(a.FileName) {
			continue
		}
		if s.pattern != "" {
			glob := expandTemplate(s.pattern, c.Version.String(), s.opts.GOOS, s.opts.GOARCH)
			if ok, _ := path.Match(glob, a.FileName); !ok {
				continue
			}
		} else if !matchesPlatform(a.FileName, s.opts.GOOS, s.opts.GOARCH) {
			continue
		}
		match = &c.Assets[i]
		break
	}
	if match == nil {
		return Asset{}, fmt.Errorf("no asset of %s matches %s/%s", c.Version, s.opts.GOOS, s.opts.GOARCH)
	}

	asset := *match
	asset.ChecksumURL = checksumFor(asset.FileName, c.Assets)
	return asset, nil
}

// parseTag accepts tags like "v1.2.3", "1.2.3" or "release-1.2.3".
func parseTag(tag string) (semver.Version, error) {
	if v, err := semver.ParseVersion(tag); err == nil {
		return v, nil
	}
	i := strings.IndexFunc(tag, func(r rune) bool { return r >= '0' && r <= '9' })
	if i <= 0 {
		return semver.Version{}, fmt.Errorf("tag %q carries no version", tag)
	}
	return semver.ParseVersion(tag[i:])
}

var osAliases = map[string][]string{
	"linux":   {"linux"},
	"darwin":  {"darwin", "macos", "osx", "apple"},
	"windows": {"windows", "win64", "win32"},
	"freebsd": {"freebsd"},
}

var archAliases = map[string][]string{
	"amd64": {"amd64", "x86_64", "x64", "win64"},
	"arm64": {"arm64", "aarch64"},
	"386":   {"i386", "i686", "386", "win32"},
	"arm":   {"armv7", "armhf", "arm32"},
}

func matchesPlatform(name, goos, goarch string) bool {
	lower := strings.ToLower(name)
	return containsAny(lower, osAliases[goos], goos) &&
		(containsAny(lower, archAliases[goarch], goarch) || (goos == "darwin" && strings.Contains(lower, "universal")))
}

func containsAny(s string, aliases []string, fallback string) bool {
	if len(aliases) == 0 {
		aliases = []string{fallback}
	}
	for _, a := range aliases {
		if strings.Contains(s, a) {
			return true
		}
	}
	return false
}

func isChecksumFile(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range []string{".sha256", ".sha256sum", ".asc", ".sig", ".txt"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return strings.Contains(lower, "sha256sums")
}

// checksumFor finds the companion checksum asset for fileName.
func checksumFor(fileName string, assets []Asset) string {
	for _, a := range assets {
		if a.FileName == fileName+".sha256" || a.FileName == fileName+".sha256sum" {
			return a.URL
		}
	}
	for _, a := range assets {
		lower := strings.ToLower(a.FileName)
		if strings.Contains(lower, "sha256sums") || lower == "checksums.txt" || strings.HasSuffix(lower, "_checksums.txt") {
			return a.URL
		}
	}
	return ""
}

func expandTemplate(tmpl, version, goos, goarch string) string {
	return strings.NewReplacer("{version}", version, "{os}", goos, "{arch}", goarch).Replace(tmpl)
}

func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		return semver.Compare(cs[i].Version, cs[j].Version) > 0
	})
}
