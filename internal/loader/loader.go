// Package loader fetches playlists, keys, and media fragments over HTTP.
// Every load is context-aware, buffers the full resource, and reports
// transfer timing so bandwidth can be estimated by the caller.
package loader

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// Config controls transport selection and per-request limits.
type Config struct {
	// Timeout caps each request from dispatch to final body byte.
	// Zero means only the caller's context bounds the request.
	Timeout time.Duration

	// HTTP3 dials origins over QUIC instead of TCP.
	HTTP3 bool

	// InsecureTLS skips certificate verification, for origins running
	// self-signed development certs.
	InsecureTLS bool
}

// Request names one resource. A byte range is active when Length > 0.
type Request struct {
	URL    string
	Offset int64
	Length int64
}

// Stats captures transfer timing for one completed load.
type Stats struct {
	RequestTime  time.Time
	ResponseTime time.Time
	Loaded       int64
}

// Response is a fully buffered resource.
type Response struct {
	URL    string
	Status int
	Data   []byte
	Stats  Stats
}

// Client issues loads over a shared transport. Safe for concurrent use.
type Client struct {
	log     *slog.Logger
	http    *http.Client
	timeout time.Duration
	closer  func() error
}

// New builds a client for the configured transport. Pass a nil logger to
// use slog.Default.
func New(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		log:     log.With("component", "loader"),
		timeout: cfg.Timeout,
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureTLS}
	if cfg.HTTP3 {
		tr := &http3.Transport{
			TLSClientConfig: tlsConfig,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
		c.http = &http.Client{Transport: tr}
		c.closer = tr.Close
	} else {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = tlsConfig
		c.http = &http.Client{Transport: tr}
		c.closer = func() error {
			tr.CloseIdleConnections()
			return nil
		}
	}
	return c
}

// Load fetches one resource and buffers it completely. Failures come back
// as *Error with the timeout and status classification filled in.
func (c *Client) Load(ctx context.Context, req Request) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &Error{URL: req.URL, Err: err}
	}
	if req.Length > 0 {
		hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.Offset, req.Offset+req.Length-1))
	}

	start := time.Now()
	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, &Error{URL: req.URL, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return nil, &Error{URL: req.URL, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{URL: req.URL, Timeout: isTimeout(err), Err: err}
	}
	end := time.Now()

	c.log.Debug("loaded",
		"url", req.URL,
		"status", resp.StatusCode,
		"bytes", len(data),
		"elapsed", end.Sub(start))

	return &Response{
		URL:    req.URL,
		Status: resp.StatusCode,
		Data:   data,
		Stats: Stats{
			RequestTime:  start,
			ResponseTime: end,
			Loaded:       int64(len(data)),
		},
	}, nil
}

// Close releases the underlying transport. In-flight loads may fail.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
