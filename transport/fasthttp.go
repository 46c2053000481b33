package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-rangedl/rangedl/internal/rerr"
	"github.com/projectdiscovery/fastdialer/fastdialer"
	"github.com/slicingmelon/go-rawurlparser"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"
	"golang.org/x/net/http/httpproxy"
)

const userAgent = "rangedl/1.0"

// Options configures a fasthttpSession. ProxyURL, if set, is used for both
// HTTP and HTTPS traffic — mirror fetches never need a NoProxy allowance,
// unlike the teacher's scanning use case.
type Options struct {
	Timeout             time.Duration
	MaxConnsPerHost     int
	MaxIdleConnDuration time.Duration
	DialerTimeout       time.Duration
	ProxyURL            string
	AllowRedirects      bool
	MaxRedirects        int
	// Resolve, if non-nil, maps a hostname to an already DoH-resolved IP.
	// When present it takes priority over the dialer's own resolution;
	// see DoHResolver.Resolve.
	Resolve func(host string) (net.IP, bool)
}

// DefaultOptions mirrors the teacher's DefaultOptionsMultiHost shape, sized
// for a handful of concurrent mirrors rather than many scanned hosts.
func DefaultOptions() Options {
	return Options{
		Timeout:             30 * time.Second,
		MaxConnsPerHost:     8,
		MaxIdleConnDuration: 30 * time.Second,
		DialerTimeout:       10 * time.Second,
		AllowRedirects:      true,
		MaxRedirects:        10,
	}
}

// fasthttpSession is the Session implementation backed by valyala/fasthttp,
// dialing through fastdialer (DNS-cached, retrying, with an optional DoH
// override) composed with proxy-env resolution exactly as the teacher's
// internal/engine/rawhttp client does.
type fasthttpSession struct {
	client  *fasthttp.Client
	dialer  *fastdialer.Dialer
	opts    Options
	url     string
}

// NewSession builds a Session for one mirror. The returned Session owns its
// fastdialer instance and must be Closed once it is no longer used.
func NewSession(startURL string, opts Options) (Session, error) {
	dialerOpts := fastdialer.Options{
		BaseResolvers: []string{
			"1.1.1.1:53",
			"1.0.0.1:53",
			"8.8.8.8:53",
			"8.8.4.4:53",
		},
		MaxRetries:      3,
		HostsFile:       true,
		DialerTimeout:   opts.DialerTimeout,
		DialerKeepAlive: opts.DialerTimeout,
		EnableFallback:  true,
	}

	dialer, err := fastdialer.NewDialer(dialerOpts)
	if err != nil {
		return nil, fmt.Errorf("transport: could not create dialer: %w", err)
	}

	proxyDialer := fasthttpproxy.Dialer{
		TCPDialer: fasthttp.TCPDialer{
			Concurrency:      256,
			DNSCacheDuration: time.Hour,
		},
		Config: httpproxy.Config{
			HTTPProxy:  opts.ProxyURL,
			HTTPSProxy: opts.ProxyURL,
		},
		ConnectTimeout: opts.DialerTimeout,
	}

	dialFunc, err := proxyDialer.GetDialFunc(false)
	if err != nil {
		dialer.Close()
		return nil, fmt.Errorf("transport: could not build dial func: %w", err)
	}

	wrapped := func(addr string) (net.Conn, error) {
		if opts.Resolve != nil {
			if host, port, splitErr := net.SplitHostPort(addr); splitErr == nil {
				if ip, ok := opts.Resolve(host); ok {
					addr = net.JoinHostPort(ip.String(), port)
				}
			}
		}
		var conn net.Conn
		var dialErr error
		if opts.ProxyURL == "" {
			conn, dialErr = dialer.Dial(context.Background(), "tcp", addr)
		} else {
			conn, dialErr = dialFunc(addr)
		}
		if dialErr != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, dialErr)
		}
		return conn, nil
	}

	client := &fasthttp.Client{
		MaxConnsPerHost:               opts.MaxConnsPerHost,
		MaxIdleConnDuration:           opts.MaxIdleConnDuration,
		DisableHeaderNamesNormalizing: true,
		ReadTimeout:                   opts.Timeout,
		WriteTimeout:                  opts.Timeout,
		Dial:                          wrapped,
		TLSConfig:                     &tls.Config{InsecureSkipVerify: true},
	}

	return &fasthttpSession{client: client, dialer: dialer, opts: opts, url: startURL}, nil
}

func (s *fasthttpSession) URL() string     { return s.url }
func (s *fasthttpSession) SetURL(u string) { s.url = u }

func (s *fasthttpSession) Close() error {
	s.dialer.Close()
	return nil
}

// Head issues a HEAD request and, if AllowRedirects is set, follows
// Location headers up to MaxRedirects times, resolving relative Locations
// against the prior URL via go-rawurlparser (RawURLParse, Scheme/Host), the way
// the teacher's own probe/validate code normalizes raw URLs before use.
func (s *fasthttpSession) Head(ctx context.Context, url string) (HeadResult, error) {
	current := url
	for redirects := 0; ; redirects++ {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()

		req.SetRequestURI(current)
		req.Header.SetMethod(fasthttp.MethodHead)
		req.Header.SetUserAgent(userAgent)

		err := s.doWithTimeout(ctx, req, resp)
		status := resp.StatusCode()
		length := int64(resp.Header.ContentLength())
		acceptsRanges := strings.Contains(string(resp.Header.Peek("Accept-Ranges")), "bytes")
		location := string(resp.Header.Peek("Location"))

		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)

		if err != nil {
			return HeadResult{}, rerr.HeadStatus(current, 0)
		}

		if status >= 300 && status < 400 && location != "" {
			if !s.opts.AllowRedirects || redirects >= s.opts.MaxRedirects {
				return HeadResult{}, rerr.HeadStatus(current, status)
			}
			current = resolveLocation(current, location)
			continue
		}

		if status != fasthttp.StatusOK {
			return HeadResult{}, rerr.HeadStatus(current, status)
		}

		return HeadResult{FinalURL: current, ContentLength: length, AcceptsRanges: acceptsRanges}, nil
	}
}

// GetRange issues a single ranged GET, returning the body on 206.
func (s *fasthttpSession) GetRange(ctx context.Context, url string, start, end int64) (RangeResult, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.SetUserAgent(userAgent)
	req.Header.Set("Range", "bytes="+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10))

	if err := s.doWithTimeout(ctx, req, resp); err != nil {
		return RangeResult{}, rerr.Transport(url, err)
	}

	if resp.StatusCode() != fasthttp.StatusPartialContent {
		return RangeResult{}, rerr.DownloaderStatus(url, resp.StatusCode())
	}

	body := make([]byte, len(resp.Body()))
	copy(body, resp.Body())
	return RangeResult{Data: body, Status: resp.StatusCode()}, nil
}

func (s *fasthttpSession) doWithTimeout(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	timeout := s.opts.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	return s.client.DoTimeout(req, resp, timeout)
}

// resolveLocation resolves a Location header value against the URL it came
// from, handling both absolute and path-relative redirects.
func resolveLocation(base, location string) string {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location
	}

	parsedBase, err := rawurlparser.RawURLParse(base)
	if err != nil {
		return location
	}

	if strings.HasPrefix(location, "/") {
		return parsedBase.Scheme + "://" + parsedBase.Host + location
	}
	return parsedBase.Scheme + "://" + parsedBase.Host + "/" + strings.TrimPrefix(location, "./")
}
