package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	userAgent          = "proxyharvest-geolite-updater/1.0"
)

// ErrNoAPIKey indicates that no MaxMind license key is configured.
var ErrNoAPIKey = errors.New("geolite: api key is not configured")

// Updater downloads a GeoLite edition into the resolver's path and reloads it.
type Updater struct {
	Resolver    *Resolver
	APIKey      string
	EditionID   string
	DownloadURL string
	Client      *http.Client

	group singleflight.Group
}

func NewUpdater(resolver *Resolver, apiKey, editionID string) *Updater {
	return &Updater{
		Resolver:    resolver,
		APIKey:      strings.TrimSpace(apiKey),
		EditionID:   editionID,
		DownloadURL: maxMindDownloadURL,
		Client:      &http.Client{Timeout: 2 * time.Minute},
	}
}

// Update fetches and installs the edition. Concurrent callers share one download.
func (u *Updater) Update(ctx context.Context) error {
	_, err, _ := u.group.Do("update", func() (any, error) {
		if u.APIKey == "" {
			return nil, ErrNoAPIKey
		}
		if u.Resolver == nil || u.Resolver.Path() == "" {
			return nil, fmt.Errorf("%w: no database path configured", ErrUnavailable)
		}

		if err := u.download(ctx); err != nil {
			return nil, err
		}
		if err := u.Resolver.Reload(); err != nil {
			return nil, fmt.Errorf("reload geolite: %w", err)
		}
		return nil, nil
	})
	return err
}

func (u *Updater) download(ctx context.Context) error {
	query := url.Values{}
	query.Set("edition_id", u.EditionID)
	query.Set("license_key", u.APIKey)
	query.Set("suffix", "tar.gz")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.DownloadURL+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.Client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", u.EditionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", u.EditionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return extractEdition(resp.Body, u.EditionID+".mmdb", u.Resolver.Path())
}

// extractEdition copies the named member of a tar.gz archive to destPath atomically.
func extractEdition(archive io.Reader, member, destPath string) error {
	gzipReader, err := gzip.NewReader(archive)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", member, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: mmdb file not found in archive", member)
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", member, err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != member {
			continue
		}
		if err := writeToFile(destPath, tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", member, err)
		}
		return nil
	}
}

func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}
