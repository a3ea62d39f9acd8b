package provision

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/rigkeeper/internal/catalog"
	"github.com/turtacn/rigkeeper/internal/monitor"
	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/errors"
	"github.com/turtacn/rigkeeper/pkg/logger"
	"github.com/turtacn/rigkeeper/pkg/semver"
	"golang.org/x/sync/semaphore"
)

// Options configures a Provisioner. Zero values take package defaults.
type Options struct {
	Catalog       *catalog.Catalog
	Attempts      int
	Backoff       time.Duration
	MaxConcurrent int64
	HTTPClient    *http.Client
	GOOS          string
	GOARCH        string
}

type registration struct {
	binary Binary
	source ReleaseSource
	verify bool
}

type selection struct {
	version semver.Version
	path    string
}

// Provisioner guarantees that a satisfying version of each registered binary
// exists on disk. It is safe for concurrent use; installs of the same binary
// are serialized.
type Provisioner struct {
	catalog  *catalog.Catalog
	attempts int
	backoff  time.Duration
	client   *http.Client
	goos     string
	goarch   string
	sem      *semaphore.Weighted

	mu         sync.Mutex
	binaries   map[string]registration
	locks      map[string]*sync.Mutex
	selected   map[string]selection
	candidates map[string][]Candidate
}

func New(opts Options) *Provisioner {
	if opts.Attempts <= 0 {
		opts.Attempts = consts.DefaultDownloadTries
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = consts.DefaultMaxDownloads
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.GOARCH == "" {
		opts.GOARCH = runtime.GOARCH
	}
	return &Provisioner{
		catalog:    opts.Catalog,
		attempts:   opts.Attempts,
		backoff:    opts.Backoff,
		client:     opts.HTTPClient,
		goos:       opts.GOOS,
		goarch:     opts.GOARCH,
		sem:        semaphore.NewWeighted(opts.MaxConcurrent),
		binaries:   make(map[string]registration),
		locks:      make(map[string]*sync.Mutex),
		selected:   make(map[string]selection),
		candidates: make(map[string][]Candidate),
	}
}

// Register binds a binary to the release source that publishes it.
func (p *Provisioner) Register(b Binary, src ReleaseSource, verifyChecksum bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.binaries[b.Name] = registration{binary: b, source: src, verify: verifyChecksum}
	p.locks[b.Name] = &sync.Mutex{}
}

// Names returns the registered binary names, sorted.
func (p *Provisioner) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.binaries))
	for n := range p.binaries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Requirement exposes the catalog constraint for name.
func (p *Provisioner) Requirement(name string) catalog.Requirement {
	return p.catalog.Requirement(name)
}

// Supported reports whether name may run on this host according to the catalog.
func (p *Provisioner) Supported(name string) bool {
	return p.catalog.Requirement(name).Supports(p.goos, p.goarch)
}

func (p *Provisioner) lookup(name string) (registration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.binaries[name]
	if !ok {
		return registration{}, errors.New(errors.ErrCodeConfigInvalid, "Provision", "unregistered binary "+name, nil)
	}
	return reg, nil
}

func (p *Provisioner) binaryLock(name string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locks[name]
}

// Candidates fetches the online releases of name, newest first. The list is
// cached for a following EnsureInstalled.
func (p *Provisioner) Candidates(ctx context.Context, name string) ([]Candidate, error) {
	reg, err := p.lookup(name)
	if err != nil {
		return nil, err
	}
	list, err := reg.source.FetchReleasesList(ctx)
	if err != nil {
		return nil, errors.New(errors.ErrCodeReleaseSource, "FetchReleases", name, err)
	}
	sortCandidates(list)

	p.mu.Lock()
	p.candidates[name] = list
	p.mu.Unlock()
	return list, nil
}

// ListInstalled returns the versions of name whose executable is present,
// newest first. Directories still carrying an in_progress marker are skipped.
func (p *Provisioner) ListInstalled(name string) ([]Installed, error) {
	reg, err := p.lookup(name)
	if err != nil {
		return nil, err
	}
	root := reg.source.InstallRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	exeName := reg.binary.FileName(p.goos)
	var out []Installed
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := semver.ParseVersion(e.Name())
		if err != nil {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if isDir(filepath.Join(dir, consts.InProgressDir)) {
			continue
		}
		exe, ok := findExecutable(dir, exeName)
		if !ok {
			continue
		}
		out = append(out, Installed{Version: v, Dir: dir, Executable: exe})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return semver.Compare(out[i].Version, out[j].Version) > 0
	})
	return out, nil
}

// SelectVersion returns the newest version of name that satisfies its catalog
// requirement, comparing the online release list with installed versions.
// On a tie the installed version wins. An unreachable release source is
// treated as having no online candidates.
func (p *Provisioner) SelectVersion(ctx context.Context, name string) (semver.Version, error) {
	req := p.catalog.Requirement(name)

	var online semver.Version
	if list, err := p.Candidates(ctx, name); err != nil {
		if ctx.Err() != nil {
			return semver.Version{}, ctx.Err()
		}
		logger.Log.Warn("Provisioner: Release source unavailable, using installed versions",
			"binary", name, "err", err)
	} else {
		for _, c := range list {
			if req.Allows(c.Version) {
				online = c.Version
				break
			}
		}
	}

	var local Installed
	installed, err := p.ListInstalled(name)
	if err != nil {
		return semver.Version{}, err
	}
	for _, inst := range installed {
		if req.Allows(inst.Version) {
			local = inst
			break
		}
	}

	var chosen semver.Version
	switch {
	case online.IsZero() && local.Version.IsZero():
		return semver.Version{}, errors.New(errors.ErrCodeNoVersion, "SelectVersion",
			fmt.Sprintf("%s: nothing satisfies %s", name, req.Raw), nil)
	case local.Version.IsZero():
		chosen = online
	case online.IsZero() || semver.Compare(local.Version, online) >= 0:
		chosen = local.Version
	default:
		chosen = online
	}

	p.mu.Lock()
	sel := selection{version: chosen}
	if !local.Version.IsZero() && local.Version.Equal(chosen) {
		sel.path = local.Executable
	}
	p.selected[name] = sel
	p.mu.Unlock()

	logger.Log.Debug("Provisioner: Version selected", "binary", name, "version", chosen.String(),
		"online", online.String(), "installed", local.Version.String())
	return chosen, nil
}

// EnsureInstalled makes version of name present on disk and returns the
// executable path. An already complete install performs no network I/O.
func (p *Provisioner) EnsureInstalled(ctx context.Context, name string, version semver.Version) (string, error) {
	reg, err := p.lookup(name)
	if err != nil {
		return "", err
	}
	lock := p.binaryLock(name)
	lock.Lock()
	defer lock.Unlock()

	root := reg.source.InstallRoot()
	dir := filepath.Join(root, version.String())
	staging := filepath.Join(dir, consts.InProgressDir)
	exeName := reg.binary.FileName(p.goos)

	if !isDir(staging) {
		if exe, ok := findExecutable(dir, exeName); ok {
			p.remember(name, version, exe)
			return exe, nil
		}
	} else {
		logger.Log.Warn("Provisioner: Found interrupted install, starting over", "binary", name, "version", version.String())
	}

	start := time.Now()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	if err := SafeRemoveAll(dir, root); err != nil {
		return "", err
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", err
	}

	exe, err := p.install(ctx, reg, version, dir, staging, exeName)
	if err != nil {
		if rmErr := SafeRemoveAll(dir, root); rmErr != nil {
			logger.Log.Error("Provisioner: Cleanup failed", "dir", dir, "err", rmErr)
		}
		return "", err
	}

	monitor.InstallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	logger.Log.Info("Provisioner: Installed", "binary", name, "version", version.String(), "path", exe)
	p.remember(name, version, exe)
	return exe, nil
}

func (p *Provisioner) install(ctx context.Context, reg registration, version semver.Version, dir, staging, exeName string) (string, error) {
	name := reg.binary.Name
	cand, err := p.candidate(ctx, name, version)
	if err != nil {
		return "", err
	}
	asset, err := reg.source.FindAssetForPlatform(cand)
	if err != nil {
		return "", errors.New(errors.ErrCodeAssetNotFound, "EnsureInstalled",
			fmt.Sprintf("%s %s for %s/%s", name, version, p.goos, p.goarch), err)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	archive := filepath.Join(staging, asset.FileName)
	logger.Log.Info("Provisioner: Downloading", "binary", name, "version", version.String(), "url", asset.URL)
	sum, err := p.downloadWithRetry(ctx, name, asset.URL, archive)
	if err == nil && reg.verify {
		var want string
		want, err = p.expectedChecksum(ctx, asset)
		if err == nil && want != sum {
			err = fmt.Errorf("%s: want %s, got %s", asset.FileName, want, sum)
		}
		if err != nil {
			err = errors.New(errors.ErrCodeChecksumMismatch, "VerifyChecksum", name+" "+version.String(), err)
		}
	}
	p.sem.Release(1)
	if err != nil {
		return "", err
	}

	if err := extract(archive, dir, exeName); err != nil {
		return "", errors.New(errors.ErrCodeExtractFailed, "Extract", asset.FileName, err)
	}
	if err := os.RemoveAll(staging); err != nil {
		return "", err
	}
	exe, ok := findExecutable(dir, exeName)
	if !ok {
		return "", errors.New(errors.ErrCodeExtractFailed, "Extract",
			fmt.Sprintf("%s does not contain %s", asset.FileName, exeName), nil)
	}
	if err := os.Chmod(exe, 0o755); err != nil {
		return "", err
	}
	return exe, nil
}

// candidate finds version in the cached release list, refreshing it once.
func (p *Provisioner) candidate(ctx context.Context, name string, version semver.Version) (Candidate, error) {
	p.mu.Lock()
	cached := p.candidates[name]
	p.mu.Unlock()
	for _, c := range cached {
		if c.Version.Equal(version) {
			return c, nil
		}
	}

	list, err := p.Candidates(ctx, name)
	if err != nil {
		return Candidate{}, err
	}
	for _, c := range list {
		if c.Version.Equal(version) {
			return c, nil
		}
	}
	return Candidate{}, errors.New(errors.ErrCodeAssetNotFound, "EnsureInstalled",
		fmt.Sprintf("%s %s is not published", name, version), nil)
}

func (p *Provisioner) remember(name string, version semver.Version, exe string) {
	p.mu.Lock()
	p.selected[name] = selection{version: version, path: exe}
	p.mu.Unlock()
}

// GetInstalledPath returns the executable of the version last selected for name.
func (p *Provisioner) GetInstalledPath(name string) (string, error) {
	p.mu.Lock()
	sel, ok := p.selected[name]
	p.mu.Unlock()
	if !ok {
		return "", errors.New(errors.ErrCodeNotResolved, "GetInstalledPath", name+" has not been resolved", nil)
	}
	if sel.path != "" && isFile(sel.path) {
		return sel.path, nil
	}

	reg, err := p.lookup(name)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(reg.source.InstallRoot(), sel.version.String())
	if isDir(filepath.Join(dir, consts.InProgressDir)) {
		return "", errors.New(errors.ErrCodeNotResolved, "GetInstalledPath", name+" install incomplete", nil)
	}
	exe, ok := findExecutable(dir, reg.binary.FileName(p.goos))
	if !ok {
		return "", errors.New(errors.ErrCodeNotResolved, "GetInstalledPath",
			fmt.Sprintf("%s %s is selected but not installed", name, sel.version), nil)
	}
	return exe, nil
}

// SelectedVersion returns the version last selected for name, if any.
func (p *Provisioner) SelectedVersion(name string) (semver.Version, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sel, ok := p.selected[name]
	return sel.version, ok
}

// Ensure selects and installs name. When the install fails it falls back to
// the newest installed version that still satisfies the requirement.
func (p *Provisioner) Ensure(ctx context.Context, name string) (string, error) {
	version, err := p.SelectVersion(ctx, name)
	if err != nil {
		return "", err
	}
	return p.EnsureSelected(ctx, name, version)
}

// EnsureSelected installs a version returned by SelectVersion, with the same
// fallback as Ensure. The release list cached by the selection is reused.
func (p *Provisioner) EnsureSelected(ctx context.Context, name string, version semver.Version) (string, error) {
	path, err := p.EnsureInstalled(ctx, name, version)
	if err == nil {
		return path, nil
	}
	if ctx.Err() != nil {
		return "", err
	}

	installed, listErr := p.ListInstalled(name)
	if listErr != nil {
		return "", err
	}
	req := p.catalog.Requirement(name)
	for _, inst := range installed {
		if req.Allows(inst.Version) {
			logger.Log.Warn("Provisioner: Install failed, falling back to installed version",
				"binary", name, "wanted", version.String(), "using", inst.Version.String(), "err", err)
			p.remember(name, inst.Version, inst.Executable)
			return inst.Executable, nil
		}
	}
	return "", err
}
