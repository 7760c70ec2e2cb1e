// Package imagefetch downloads images referenced by URL.
package imagefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single download.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxSize is the largest image accepted (10MB).
	DefaultMaxSize = 10 * 1024 * 1024
)

var (
	ErrNotImage  = errors.New("response is not an image")
	ErrTooLarge  = errors.New("image exceeds size limit")
	ErrBadStatus = errors.New("unexpected status")
	// ErrForbiddenAddress is returned when the image host, or any host it
	// redirects to, resolves to a loopback, private or link-local address.
	ErrForbiddenAddress = errors.New("image host is not a public address")
)

// sharedAddressSpace is the carrier-grade NAT range (RFC 6598).
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// Image is a downloaded image payload.
type Image struct {
	Data        []byte
	ContentType string
}

// Fetcher downloads images over HTTP with a size cap and content-type check.
type Fetcher struct {
	client  *resty.Client
	maxSize int64
	logger  *zap.Logger
}

type options struct {
	allowAddr func(netip.AddrPort) bool
}

// Option customizes a Fetcher.
type Option func(*options)

// AllowPrivateNetworks disables the public address check. Meant for local
// development against images served from the same host or network.
func AllowPrivateNetworks() Option {
	return func(o *options) { o.allowAddr = nil }
}

// New creates a Fetcher. Zero values select the defaults.
func New(timeout time.Duration, maxSize int64, logger *zap.Logger, opts ...Option) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	o := options{allowAddr: func(ap netip.AddrPort) bool { return isPublicAddr(ap.Addr()) }}
	for _, opt := range opts {
		opt(&o)
	}

	// The check runs on the resolved address of every connection, so it also
	// covers redirects and DNS names pointing at internal hosts.
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if o.allowAddr != nil {
		dialer.Control = addressGuard(o.allowAddr)
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	client := resty.New().
		SetTransport(transport).
		SetTimeout(timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
		SetHeader("Accept", "image/*").
		SetHeader("User-Agent", "lostfound-matcher/1.0")

	return &Fetcher{client: client, maxSize: maxSize, logger: logger.Named("imagefetch")}
}

// Fetch downloads imageURL and returns its bytes.
func (f *Fetcher) Fetch(ctx context.Context, imageURL string) (*Image, error) {
	res, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(imageURL)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	body := res.RawBody()
	defer body.Close()

	if res.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, res.StatusCode())
	}
	if res.RawResponse.ContentLength > f.maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, res.RawResponse.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxSize)
	}

	contentType := mediaType(res.Header().Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mediaType(http.DetectContentType(data))
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("%w: %s", ErrNotImage, contentType)
	}

	f.logger.Debug("image downloaded",
		zap.String("url", imageURL),
		zap.String("content_type", contentType),
		zap.Int("bytes", len(data)),
	)
	return &Image{Data: data, ContentType: contentType}, nil
}

func addressGuard(allow func(netip.AddrPort) bool) func(network, address string, _ syscall.RawConn) error {
	return func(network, address string, _ syscall.RawConn) error {
		ap, err := netip.ParseAddrPort(address)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrForbiddenAddress, address)
		}
		if !allow(ap) {
			return fmt.Errorf("%w: %s", ErrForbiddenAddress, ap.Addr())
		}
		return nil
	}
}

func isPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(),
		addr.IsUnspecified(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast(),
		sharedAddressSpace.Contains(addr):
		return false
	}
	return true
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return mt
}
