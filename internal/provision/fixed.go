package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"path/filepath"

	"github.com/turtacn/rigkeeper/pkg/logger"
	"github.com/turtacn/rigkeeper/pkg/protocol"
	"github.com/turtacn/rigkeeper/pkg/semver"
)

// FixedSource serves binaries that are not published through a release
// registry: either a JSON index at a fixed URL or a static release list.
//
// The index document is {"releases": [{"version", "url", "checksum_url"}]}
// and URLs may use the {version}, {os} and {arch} placeholders.
type FixedSource struct {
	binary   Binary
	indexURL string
	releases []protocol.FixedRelease
	opts     SourceOptions
}

func NewFixedSource(b Binary, indexURL string, releases []protocol.FixedRelease, opts SourceOptions) *FixedSource {
	opts.defaults()
	return &FixedSource{binary: b, indexURL: indexURL, releases: releases, opts: opts}
}

func (s *FixedSource) InstallRoot() string {
	return filepath.Join(s.opts.Root, s.binary.Name)
}

type fixedIndex struct {
	Releases []protocol.FixedRelease `json:"releases"`
}

func (s *FixedSource) FetchReleasesList(ctx context.Context) ([]Candidate, error) {
	releases := s.releases
	if s.indexURL != "" {
		fetched, err := s.fetchIndex(ctx)
		if err != nil {
			return nil, err
		}
		releases = append(fetched, releases...)
	}

	out := make([]Candidate, 0, len(releases))
	for _, r := range releases {
		v, err := semver.ParseVersion(r.Version)
		if err != nil {
			logger.Log.Debug("Provisioner: Skipping release with bad version", "binary", s.binary.Name, "version", r.Version)
			continue
		}
		link := expandTemplate(r.URL, v.String(), s.opts.GOOS, s.opts.GOARCH)
		asset := Asset{URL: link, FileName: fileNameFromURL(link)}
		if r.ChecksumURL != "" {
			asset.ChecksumURL = expandTemplate(r.ChecksumURL, v.String(), s.opts.GOOS, s.opts.GOARCH)
		}
		out = append(out, Candidate{Version: v, Assets: []Asset{asset}})
	}
	sortCandidates(out)
	return out, nil
}

func (s *FixedSource) fetchIndex(ctx context.Context) ([]protocol.FixedRelease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.indexURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", s.indexURL, resp.Status)
	}

	var idx fixedIndex
	if err := json.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return nil, fmt.Errorf("decode release index %s: %w", s.indexURL, err)
	}
	return idx.Releases, nil
}

func (s *FixedSource) FindAssetForPlatform(c Candidate) (Asset, error) {
	if len(c.Assets) == 0 || c.Assets[0].URL == "" {
		return Asset{}, fmt.Errorf("%s %s has no download url", s.binary.Name, c.Version)
	}
	return c.Assets[0], nil
}

func fileNameFromURL(link string) string {
	if u, err := url.Parse(link); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(link)
}
