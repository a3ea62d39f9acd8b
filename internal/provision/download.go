package provision

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/turtacn/rigkeeper/internal/monitor"
	"github.com/turtacn/rigkeeper/pkg/errors"
	"github.com/turtacn/rigkeeper/pkg/logger"
)

// downloadWithRetry fetches url into dst, retrying with a fixed backoff.
// A failed attempt always removes the partial file. It returns the sha256
// of the downloaded bytes.
func (p *Provisioner) downloadWithRetry(ctx context.Context, binary, url, dst string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		sum, err := p.fetchToFile(ctx, url, dst)
		if err == nil {
			monitor.DownloadAttempts.WithLabelValues(binary, "ok").Inc()
			return sum, nil
		}
		_ = os.Remove(dst)
		monitor.DownloadAttempts.WithLabelValues(binary, "error").Inc()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		logger.Log.Warn("Provisioner: Download attempt failed",
			"binary", binary, "attempt", attempt, "of", p.attempts, "err", err)

		if attempt < p.attempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(p.backoff):
			}
		}
	}
	return "", errors.New(errors.ErrCodeDownloadExhausted, "Download",
		fmt.Sprintf("%s: %d attempts failed", url, p.attempts), lastErr)
}

func (p *Provisioner) fetchToFile(ctx context.Context, url, dst string) (string, error) {
	body, err := p.get(ctx, url)
	if err != nil {
		return "", err
	}
	defer body.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), body); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (p *Provisioner) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return resp.Body, nil
}

// expectedChecksum downloads the companion checksum file of asset and returns
// the hex digest published for it.
func (p *Provisioner) expectedChecksum(ctx context.Context, asset Asset) (string, error) {
	if asset.ChecksumURL == "" {
		return "", fmt.Errorf("no checksum published for %s", asset.FileName)
	}
	body, err := p.get(ctx, asset.ChecksumURL)
	if err != nil {
		return "", err
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return "", err
	}
	return parseChecksum(string(data), asset.FileName)
}

// parseChecksum understands both a single-digest file and the sha256sum
// "<hex>  <name>" listing format.
func parseChecksum(content, fileName string) (string, error) {
	var single string
	lines := 0
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		lines++
		digest := strings.ToLower(fields[0])
		if !isSHA256Hex(digest) {
			continue
		}
		if len(fields) == 1 {
			single = digest
			continue
		}
		name := strings.TrimPrefix(fields[len(fields)-1], "*")
		if name == fileName || path.Base(name) == fileName {
			return digest, nil
		}
	}
	if single != "" && lines == 1 {
		return single, nil
	}
	return "", fmt.Errorf("no checksum entry for %s", fileName)
}

func isSHA256Hex(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
