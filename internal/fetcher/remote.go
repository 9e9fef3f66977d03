package fetcher

import (
	"context"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Remote downloads source files by URL scheme: http, https and ftp.
type Remote struct {
	http *HTTPFetcher
	ftp  *FTPFetcher
}

// NewRemote creates a Remote.
func NewRemote(h HTTPOptions, f FTPOptions) *Remote {
	return &Remote{http: NewHTTPFetcher(h), ftp: NewFTPFetcher(f)}
}

// IsRemote reports whether src is a URL Remote can fetch.
func IsRemote(src string) bool {
	u, err := url.Parse(src)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ftp":
		return u.Host != ""
	}
	return false
}

// Fetch downloads rawURL into dir and returns the local path. The file keeps
// the URL's base name.
func (r *Remote) Fetch(ctx context.Context, rawURL, dir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrap(err, "remote: parse url")
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "download"
	}
	dest := filepath.Join(dir, name)

	var n int64
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		n, err = r.http.DownloadToFile(ctx, rawURL, dest)
	case "ftp":
		n, err = r.ftp.DownloadToFile(ctx, rawURL, dest)
	default:
		return "", eris.Errorf("remote: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return "", eris.Wrapf(err, "remote: fetch %s", u.Redacted())
	}

	zap.L().Info("remote: downloaded",
		zap.String("url", u.Redacted()),
		zap.String("path", dest),
		zap.Int64("bytes", n),
	)
	return dest, nil
}
