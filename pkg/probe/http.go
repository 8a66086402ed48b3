package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const maxBodyBytes = 1 << 20 // 1 MiB cap on bodies read for keyword matching

func newHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}
}

type httpOutcome struct {
	resp          *http.Response
	body          []byte
	rtt           time.Duration
	tlsExpiryDays int
	err           *Error
}

func doHTTPProbe(ctx context.Context, client *http.Client, spec ServiceSpec, readBody bool) httpOutcome {
	method := spec.Config.Method
	if method == "" {
		method = http.MethodGet
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !spec.Config.TLSVerify},
	}
	reqClient := *client
	reqClient.Transport = tr
	if !spec.Config.FollowRedirects {
		reqClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, spec.Target, nil)
	if err != nil {
		return httpOutcome{err: &Error{Kind: ErrorKindProtocol, Detail: err.Error()}}
	}
	for k, v := range spec.Config.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := reqClient.Do(req)
	rtt := time.Since(start)
	if err != nil {
		return httpOutcome{rtt: rtt, err: classifyHTTPError(err)}
	}
	defer resp.Body.Close()

	out := httpOutcome{resp: resp, rtt: rtt}

	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		out.tlsExpiryDays = int(time.Until(resp.TLS.PeerCertificates[0].NotAfter).Hours() / 24)
	}

	if readBody {
		limited := io.LimitReader(resp.Body, maxBodyBytes)
		body, err := io.ReadAll(limited)
		if err != nil {
			out.err = &Error{Kind: ErrorKindDecode, Detail: err.Error()}
			return out
		}
		out.body = body
	}
	return out
}

func classifyHTTPError(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ErrorKindTimeout, Detail: err.Error()}
	}
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return &Error{Kind: ErrorKindTLS, Detail: err.Error()}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: ErrorKindDNS, Detail: err.Error()}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "certificate"):
		return &Error{Kind: ErrorKindTLS, Detail: msg}
	case strings.Contains(msg, "connection refused"):
		return &Error{Kind: ErrorKindConnRefused, Detail: msg}
	case strings.Contains(msg, "connection reset"):
		return &Error{Kind: ErrorKindConnReset, Detail: msg}
	case strings.Contains(msg, "stopped after"):
		return &Error{Kind: ErrorKindRedirect, Detail: msg}
	default:
		return &Error{Kind: ErrorKindProtocol, Detail: msg}
	}
}

func statusMatches(code int, expected []int) bool {
	if len(expected) == 0 {
		return code >= 200 && code < 300
	}
	for _, e := range expected {
		if e == code {
			return true
		}
	}
	return false
}

// degraded reports whether a successful probe's RTT still crosses the
// degraded threshold of half the check interval.
func degraded(rtt time.Duration, interval time.Duration) bool {
	return interval > 0 && rtt > interval/2
}

func webStrategy(client *http.Client) Strategy {
	return func(ctx context.Context, spec ServiceSpec) Result {
		out := doHTTPProbe(ctx, client, spec, false)
		return resultFromHTTP(out, spec, statusMatches(httpStatusCode(out), spec.Config.ExpectedStatus))
	}
}

func keywordStrategy(client *http.Client) Strategy {
	return func(ctx context.Context, spec ServiceSpec) Result {
		out := doHTTPProbe(ctx, client, spec, true)
		if out.err != nil {
			return resultFromHTTP(out, spec, false)
		}
		statusOK := statusMatches(httpStatusCode(out), spec.Config.ExpectedStatus)
		bodyOK := spec.Config.ExpectedBodySubstring == "" || strings.Contains(string(out.body), spec.Config.ExpectedBodySubstring)
		return resultFromHTTP(out, spec, statusOK && bodyOK)
	}
}

func githubStrategy(client *http.Client) Strategy {
	return func(ctx context.Context, spec ServiceSpec) Result {
		out := doHTTPProbe(ctx, client, spec, false)
		if out.err != nil {
			return resultFromHTTP(out, spec, false)
		}
		code := httpStatusCode(out)
		result := resultFromHTTP(out, spec, code >= 200 && code < 300)
		if out.resp.Header.Get("X-RateLimit-Remaining") == "0" {
			result.Status = StatusDegraded
			result.Error = &Error{Kind: ErrorKindRateLimit, Detail: "rate limit resets at " + out.resp.Header.Get("X-RateLimit-Reset")}
		}
		return result
	}
}

func uptimeAPIStrategy(client *http.Client) Strategy {
	return func(ctx context.Context, spec ServiceSpec) Result {
		out := doHTTPProbe(ctx, client, spec, true)
		if out.err != nil {
			return resultFromHTTP(out, spec, false)
		}
		ok, err := evaluatePredicate(out.body, spec.Config.Predicate)
		if err != nil {
			return Result{
				Status:     StatusDown,
				RTTMs:      float64(out.rtt.Milliseconds()),
				StatusCode: httpStatusCode(out),
				Error:      &Error{Kind: ErrorKindDecode, Detail: err.Error()},
				ObservedAt: time.Now(),
			}
		}
		return resultFromHTTP(out, spec, ok)
	}
}

func httpStatusCode(out httpOutcome) int {
	if out.resp == nil {
		return 0
	}
	return out.resp.StatusCode
}

func resultFromHTTP(out httpOutcome, spec ServiceSpec, matched bool) Result {
	r := Result{
		RTTMs:      float64(out.rtt.Milliseconds()),
		StatusCode: httpStatusCode(out),
		ObservedAt: time.Now(),
	}
	if out.tlsExpiryDays > 0 {
		r.TLSExpiryDays = out.tlsExpiryDays
	}
	if out.err != nil {
		r.Status = StatusDown
		r.Error = out.err
		return r
	}
	switch {
	case !matched:
		r.Status = StatusDown
	case degraded(out.rtt, spec.Interval):
		r.Status = StatusDegraded
	default:
		r.Status = StatusUp
	}
	return r
}
