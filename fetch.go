package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
	v8 "github.com/tommie/v8go"
)

// userAgent is stamped on every guest-initiated outbound request.
const userAgent = "Sandbox Unsafe JavaScript Execution Environment - https://github.com/RyanPotat/eval-server/"

// fetchGuardEnabled controls whether the address guard is applied to
// outbound requests. Tests set this to false so httptest servers on
// 127.0.0.1 are reachable.
var fetchGuardEnabled = true

// maxRedirectHops bounds redirect chains; every hop re-passes the guard.
const maxRedirectHops = 20

// forbiddenHeaders are transport-owned headers the guest cannot set.
var forbiddenHeaders = map[string]bool{
	"host":              true,
	"transfer-encoding": true,
	"connection":        true,
	"keep-alive":        true,
	"upgrade":           true,
	"te":                true,
	"trailer":           true,
}

// fetchBridge implements the guest's global fetch(). Request failures never
// reach the guest as exceptions: every outcome is a value-copied
// {body, status} object, with synthetic statuses 400, 408, and 429 for the
// error paths. Only a host-side failure to build that object rejects the
// promise.
type fetchBridge struct {
	cfg      Config
	pctxJSON string
	inflight *atomic.Int32
	el       *eventLoop
	client   *http.Client
	log      zerolog.Logger
}

func newFetchBridge(cfg Config, pctx PotatContext, inflight *atomic.Int32, el *eventLoop, log zerolog.Logger) *fetchBridge {
	pctxJSON, _ := json.Marshal(pctx)
	return &fetchBridge{
		cfg:      cfg,
		pctxJSON: string(pctxJSON),
		inflight: inflight,
		el:       el,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:       guardedDialContext,
				DisableKeepAlives: true,
			},
			CheckRedirect: checkRedirect,
		},
		log: log,
	}
}

// guardedDialContext resolves DNS and classifies every answer before any
// connection is made. A single blocked answer fails the whole lookup, so
// rebinding names that mix public and private records cannot slip through.
func guardedDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	dialer := &net.Dialer{}
	if !fetchGuardEnabled {
		return dialer.DialContext(ctx, network, addr)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, &blockedAddressError{host: host}
		}
		return dialer.DialContext(ctx, network, addr)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, normalizeHost(host))
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if isBlockedIP(ip.IP) {
			return nil, &blockedAddressError{host: host}
		}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, lastErr
}

// checkRedirect caps the hop count and re-applies the literal-IP guard to
// each redirect target. Resolved names are re-checked by the dialer on the
// next connection anyway.
func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirectHops {
		return errors.New("too many redirects")
	}
	if fetchGuardEnabled {
		if err := guardHost(req.URL.Hostname()); err != nil {
			return err
		}
	}
	return nil
}

// fetchOptions is the value-copied shape of the guest's second argument.
type fetchOptions struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    *string           `json:"body"`
}

// extractOptionsJS copies the options object out of the guest by value.
const extractOptionsJS = `(function () {
	var o = globalThis.__potat_fetch_opts;
	delete globalThis.__potat_fetch_opts;
	var out = { method: 'GET', headers: {}, body: null };
	if (o && typeof o === 'object') {
		if (o.method) out.method = String(o.method).toUpperCase();
		if (o.headers && typeof o.headers === 'object') {
			for (var k in o.headers) {
				if (Object.prototype.hasOwnProperty.call(o.headers, k)) {
					out.headers[String(k)] = String(o.headers[k]);
				}
			}
		}
		if (o.body != null) {
			out.body = typeof o.body === 'string' ? o.body : JSON.stringify(o.body);
		}
	}
	return JSON.stringify(out);
})()`

// buildResponseJS turns the scratch globals into a fresh {body, status}
// object. Response text that parses as JSON is handed to the guest as the
// parsed value.
const buildResponseJS = `(function () {
	var t = globalThis.__potat_fetch_body;
	var s = globalThis.__potat_fetch_status;
	var p = globalThis.__potat_fetch_parse;
	delete globalThis.__potat_fetch_body;
	delete globalThis.__potat_fetch_status;
	delete globalThis.__potat_fetch_parse;
	var body = t;
	if (p) {
		try { body = JSON.parse(t); } catch (e) {}
	}
	return { body: body, status: s };
})()`

// install registers global fetch(url, options) in the guest context.
func (b *fetchBridge) install(iso *v8.Isolate, ctx *v8.Context) error {
	ft := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		resolver, _ := v8.NewPromiseResolver(ctx)
		args := info.Args()

		n := b.inflight.Add(1)
		if int(n) > b.cfg.MaxFetchConcurrency {
			b.inflight.Add(-1)
			b.settle(iso, ctx, resolver, 429, "Too many requests.", false)
			return resolver.GetPromise().Value
		}

		if len(args) == 0 {
			b.inflight.Add(-1)
			b.settle(iso, ctx, resolver, 400, "Request failed - TypeError: fetch requires at least 1 argument", false)
			return resolver.GetPromise().Value
		}
		rawURL := args[0].String()

		var opts fetchOptions
		if len(args) > 1 && args[1].IsObject() {
			_ = ctx.Global().Set("__potat_fetch_opts", args[1])
			extracted, err := ctx.RunScript(extractOptionsJS, "fetch_extract.js")
			if err == nil {
				_ = json.Unmarshal([]byte(extracted.String()), &opts)
			}
		}

		u, err := url.Parse(rawURL)
		if err != nil || u.Hostname() == "" {
			b.inflight.Add(-1)
			b.settle(iso, ctx, resolver, 400, "Request failed - TypeError: invalid URL", false)
			return resolver.GetPromise().Value
		}

		// Literal private IPs are rejected before any connection attempt.
		if fetchGuardEnabled {
			if err := guardHost(u.Hostname()); err != nil {
				b.inflight.Add(-1)
				status, body := mapFetchError(err)
				b.settle(iso, ctx, resolver, status, body, false)
				return resolver.GetPromise().Value
			}
		}

		resultCh := make(chan fetchOutcome, 1)
		go b.perform(rawURL, opts, resultCh)

		b.el.add(&pendingFetch{
			resultCh: resultCh,
			deliver: func(outcome fetchOutcome) {
				b.inflight.Add(-1)
				if outcome.err != nil {
					status, body := mapFetchError(outcome.err)
					b.settle(iso, ctx, resolver, status, body, false)
					return
				}
				b.settle(iso, ctx, resolver, outcome.status, outcome.body, true)
			},
		})
		return resolver.GetPromise().Value
	})

	return ctx.Global().Set("fetch", ft.GetFunction(ctx))
}

// perform runs the outbound request off the isolate's goroutine. V8 is
// never touched here; the outcome travels back over the result channel.
func (b *fetchBridge) perform(rawURL string, opts fetchOptions, resultCh chan<- fetchOutcome) {
	reqCtx, cancel := context.WithTimeout(context.Background(), b.cfg.FetchTimeout)
	defer cancel()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var bodyReader io.Reader
	if opts.Body != nil {
		bodyReader = strings.NewReader(*opts.Body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		resultCh <- fetchOutcome{err: err}
		return
	}
	for k, v := range opts.Headers {
		if forbiddenHeaders[strings.ToLower(k)] {
			continue
		}
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-potat-data", b.pctxJSON)

	resp, err := b.client.Do(req)
	if err != nil {
		resultCh <- fetchOutcome{err: err}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		body = brotli.NewReader(resp.Body)
	}

	maxBytes := int64(b.cfg.MaxResponseBytes)
	data, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		resultCh <- fetchOutcome{err: err}
		return
	}
	if int64(len(data)) > maxBytes {
		data = data[:maxBytes]
	}

	resultCh <- fetchOutcome{status: resp.StatusCode, body: string(data)}
}

// settle resolves the guest promise with a value-copied {body, status}
// object. parseJSON selects whether the body text is offered to JSON.parse.
func (b *fetchBridge) settle(iso *v8.Isolate, ctx *v8.Context, resolver *v8.PromiseResolver, status int, body string, parseJSON bool) {
	bodyVal, _ := v8.NewValue(iso, body)
	_ = ctx.Global().Set("__potat_fetch_body", bodyVal)
	statusVal, _ := v8.NewValue(iso, int32(status))
	_ = ctx.Global().Set("__potat_fetch_status", statusVal)
	parseVal, _ := v8.NewValue(iso, parseJSON)
	_ = ctx.Global().Set("__potat_fetch_parse", parseVal)

	respVal, err := ctx.RunScript(buildResponseJS, "fetch_response.js")
	if err != nil {
		b.log.Error().Err(err).Msg("building fetch response object")
		errVal, _ := v8.NewValue(iso, "fetch response marshaling failed")
		resolver.Reject(errVal)
		return
	}
	resolver.Resolve(respVal)
}

// reset zeroes the in-flight counter at the end of an evaluation. Snippets
// are serialized, so the counter is already 0 here unless an evaluation was
// severed mid-flight.
func (b *fetchBridge) reset() {
	b.inflight.Store(0)
}

// mapFetchError translates a transport failure into the guest-visible
// synthetic response.
func mapFetchError(err error) (status int, body string) {
	var blocked *blockedAddressError
	if errors.As(err, &blocked) {
		return 400, "Request failed - " + blocked.Error()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return 408, "Request timed out."
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return 408, "Request timed out."
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return 400, "Request failed - DNSError: " + dnsErr.Error()
	}

	msg := err.Error()
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		msg = urlErr.Err.Error()
	}
	return 400, "Request failed - FetchError: " + msg
}
