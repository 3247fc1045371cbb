// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package download locates the debug-symbol file for a PE image and fetches
// it from the symbol server when it is not already cached on disk.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	peparser "github.com/saferwall/pe"

	"github.com/antimetal/poolview/pkg/errors"
)

const defaultServer = "http://msdl.microsoft.com/download/symbols"

// BuildID identifies one build's symbol file on the symbol server.
type BuildID struct {
	Name string
	GUID string
	Age  uint32
}

// Downloader resolves and fetches symbol files into a local cache directory
// laid out as <dir>/<name>/<GUID>/<age>/<name>.
type Downloader struct {
	dir    string
	server string
	client *http.Client
	logger logr.Logger
}

type Option func(*Downloader)

func WithServer(url string) Option {
	return func(d *Downloader) {
		d.server = url
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) {
		d.client = c
	}
}

func New(dir string, logger logr.Logger, opts ...Option) *Downloader {
	d := &Downloader{
		dir:    dir,
		server: defaultServer,
		client: http.DefaultClient,
		logger: logger.WithName("symdl"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ImageBuildID reads the CodeView record from a PE image's debug directory.
func ImageBuildID(imagePath string) (BuildID, error) {
	f, err := peparser.New(imagePath, &peparser.Options{})
	if err != nil {
		return BuildID{}, fmt.Errorf("failed to open %s: %w", imagePath, err)
	}
	defer f.Close()
	if err := f.Parse(); err != nil {
		return BuildID{}, fmt.Errorf("failed to parse %s: %w", imagePath, err)
	}

	for _, dbg := range f.Debugs {
		cv, ok := dbg.Info.(peparser.CVInfoPDB70)
		if !ok {
			continue
		}
		g := cv.Signature
		guid := fmt.Sprintf("%08X%04X%04X%02X%02X%02X%02X%02X%02X%02X%02X",
			g.Data1, g.Data2, g.Data3,
			g.Data4[0], g.Data4[1], g.Data4[2], g.Data4[3],
			g.Data4[4], g.Data4[5], g.Data4[6], g.Data4[7])
		return BuildID{
			Name: filepath.Base(cv.PDBFileName),
			GUID: guid,
			Age:  cv.Age,
		}, nil
	}
	return BuildID{}, fmt.Errorf("%s has no PDB 7.0 CodeView record", imagePath)
}

// Path returns where id's symbol file lives in the cache directory.
func (d *Downloader) Path(id BuildID) string {
	return filepath.Join(d.dir, id.Name, id.GUID, fmt.Sprintf("%d", id.Age), id.Name)
}

// Fetch returns the local path of id's symbol file, downloading it first if
// the cache does not hold it. Transient HTTP failures are retried with
// exponential backoff; a 404 is permanent.
func (d *Downloader) Fetch(ctx context.Context, id BuildID) (string, error) {
	dest := d.Path(id)
	if _, err := os.Stat(dest); err == nil {
		d.logger.V(1).Info("symbol file cached", "path", dest)
		return dest, nil
	}

	url := fmt.Sprintf("%s/%s/%s%X/%s", d.server, id.Name, id.GUID, id.Age, id.Name)
	d.logger.Info("downloading symbol file", "url", url, "dest", dest)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create symbol directory: %w", err)
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.fetchOnce(ctx, url, dest)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(4))
	if err != nil {
		return "", err
	}
	return dest, nil
}

func (d *Downloader) fetchOnce(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return errors.NewRetryable(err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("symbol server has no %s", url))
	case resp.StatusCode >= 500:
		return errors.NewRetryable(fmt.Sprintf("symbol server returned %s", resp.Status))
	default:
		return backoff.Permanent(fmt.Errorf("symbol server returned %s", resp.Status))
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return backoff.Permanent(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return errors.NewRetryable(err.Error())
	}
	if err := tmp.Close(); err != nil {
		return backoff.Permanent(err)
	}
	return os.Rename(tmp.Name(), dest)
}
