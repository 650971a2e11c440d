package feed

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/reliefops/relief-engine/internal/resilience"
)

// Source delivers one raw feed payload per fetch.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (io.ReadCloser, error)
}

// HTTPSource fetches the feed over HTTP with a fixed-rate limiter.
type HTTPSource struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPSource builds an HTTP feed source. Relief agency feeds are
// shared infrastructure; the limiter keeps our polling polite.
func NewHTTPSource(rawURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		url:     rawURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(2, 2),
	}
}

func (s *HTTPSource) Name() string { return "http:" + s.url }

// Fetch issues one GET. Rate-limit and server-side failures come back as
// transient so the loader's retry policy can distinguish them.
func (s *HTTPSource) Fetch(ctx context.Context) (io.ReadCloser, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "feed: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "feed: build request")
	}
	req.Header.Set("User-Agent", "relief-engine/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "feed: http get"), 0)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		err := eris.Errorf("feed: http %d from %s", resp.StatusCode, s.url)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}
	return resp.Body, nil
}

// FTPSource fetches the feed from an FTP drop. Some partner agencies
// still publish snapshots only as files on an FTP server.
type FTPSource struct {
	url     string
	timeout time.Duration
}

// NewFTPSource builds an FTP feed source for a ftp:// URL.
func NewFTPSource(rawURL string, timeout time.Duration) *FTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FTPSource{url: rawURL, timeout: timeout}
}

func (s *FTPSource) Name() string { return "ftp:" + s.url }

// Fetch connects, logs in anonymously, and retrieves the file. Closing
// the returned reader also quits the FTP connection.
func (s *FTPSource) Fetch(ctx context.Context) (io.ReadCloser, error) {
	host, path, err := parseFTPURL(s.url)
	if err != nil {
		return nil, err
	}

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(s.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "feed: ftp dial"), 0)
	}
	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		_ = conn.Quit()
		return nil, eris.Wrap(err, "feed: ftp login")
	}
	resp, err := conn.Retr(path)
	if err != nil {
		_ = conn.Quit()
		return nil, resilience.NewTransientError(eris.Wrap(err, "feed: ftp retrieve"), 0)
	}
	return &ftpConnReader{resp: resp, conn: conn}, nil
}

func parseFTPURL(rawURL string) (host, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "feed: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("feed: expected ftp scheme, got %q", u.Scheme)
	}
	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}
	if u.Path == "" {
		return "", "", eris.New("feed: empty path in ftp url")
	}
	return host, u.Path, nil
}

type ftpConnReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpConnReader) Read(p []byte) (int, error) { return r.resp.Read(p) }

func (r *ftpConnReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "feed: close ftp response")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "feed: quit ftp connection")
	}
	return nil
}

// NewSource picks the source implementation from the URL scheme.
func NewSource(rawURL string, timeout time.Duration) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "feed: parse url %s", rawURL)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPSource(rawURL, timeout), nil
	case "ftp":
		return NewFTPSource(rawURL, timeout), nil
	default:
		return nil, eris.Errorf("feed: unsupported scheme %q", u.Scheme)
	}
}
