// Package ingest loads engagement events and content metadata from batch
// files, remote feeds, the Notion content calendar and a Kafka topic.
package ingest

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/internal/model"
)

// Fetcher downloads a remote feed.
type Fetcher interface {
	// Download fetches the URL and returns the body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL into path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// EventHandler receives decoded, validated engagement events.
type EventHandler func(ctx context.Context, events []model.EngagementEvent) error

// Format is the encoding of a batch file.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatZIP  Format = "zip"
)

// FormatOf infers the format from the source's file extension. JSON lines
// files decode as JSON.
func FormatOf(src string) (Format, error) {
	p := src
	if u, err := url.Parse(src); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON, nil
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".zip":
		return FormatZIP, nil
	}
	return "", eris.Errorf("ingest: cannot infer format of %q", src)
}

// Options configures an Opener.
type Options struct {
	RatePerSec float64
	Timeout    time.Duration
	UserAgent  string
}

// Opener resolves a source string (a local path, an http(s):// URL or an
// ftp:// URL) to its contents.
type Opener struct {
	http Fetcher
	ftp  Fetcher
}

// NewOpener builds an Opener with rate-limited HTTP and FTP fetchers.
func NewOpener(opts Options) *Opener {
	return &Opener{
		http: NewHTTPFetcher(HTTPOptions{
			UserAgent:  opts.UserAgent,
			Timeout:    opts.Timeout,
			RatePerSec: opts.RatePerSec,
		}),
		ftp: NewFTPFetcher(FTPOptions{Timeout: opts.Timeout}),
	}
}

func isRemote(src string) bool {
	for _, scheme := range []string{"http://", "https://", "ftp://"} {
		if strings.HasPrefix(src, scheme) {
			return true
		}
	}
	return false
}

func (o *Opener) fetcherFor(src string) (Fetcher, bool) {
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return o.http, true
	case strings.HasPrefix(src, "ftp://"):
		return o.ftp, true
	}
	return nil, false
}

// Open returns a reader over src.
func (o *Opener) Open(ctx context.Context, src string) (io.ReadCloser, error) {
	if f, ok := o.fetcherFor(src); ok {
		return f.Download(ctx, src)
	}
	file, err := os.Open(src)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", src)
	}
	return file, nil
}

// localPath returns a filesystem path holding src's contents. Remote
// sources are downloaded into dir.
func (o *Opener) localPath(ctx context.Context, src, dir string) (string, error) {
	f, ok := o.fetcherFor(src)
	if !ok {
		return src, nil
	}
	name := "feed"
	if u, err := url.Parse(src); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
		name = path.Base(u.Path)
	}
	dst := filepath.Join(dir, name)
	if _, err := f.DownloadToFile(ctx, src, dst); err != nil {
		return "", err
	}
	return dst, nil
}
