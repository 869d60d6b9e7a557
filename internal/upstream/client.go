// Package upstream calls the third-party generation services behind the
// metered endpoints. Each call is stateless; metering happens in the
// gateway around it.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

// Request is a validated call with defaults filled in.
type Request struct {
	Endpoint string
	Cost     int64
	Params   map[string]string
}

// Result is what the gateway relays to the caller. Exactly one of Text,
// JSON or Redirect is set.
type Result struct {
	Text     string
	JSON     any
	Redirect string
}

// paramSpec lists an endpoint's query parameters. An empty default marks a
// required parameter.
type paramSpec struct {
	name string
	def  string
}

var endpointParams = map[string][]paramSpec{
	Text:   {{name: "prompt"}},
	Image:  {{name: "prompt"}, {name: "width", def: "512"}, {name: "height", def: "512"}},
	QR:     {{name: "text"}, {name: "size", def: "150x150"}},
	Voice:  {{name: "text"}, {name: "voice", def: "alloy"}},
	Num:    {{name: "mobile"}},
	Video:  {{name: "prompt"}},
	FFInfo: {{name: "uid"}},
}

// Client performs upstream calls.
type Client struct {
	catalog    Catalog
	httpClient *http.Client
	limiters   map[string]*rate.Limiter
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func NewClient(cat Catalog, opts ...Option) *Client {
	c := &Client{
		catalog:    cat,
		httpClient: http.DefaultClient,
		limiters:   make(map[string]*rate.Limiter, len(cat.Endpoints)),
	}
	for _, ep := range cat.Endpoints {
		limit, burst := rate.Inf, ep.Burst
		if ep.RatePerSecond > 0 {
			limit = rate.Limit(ep.RatePerSecond)
			if burst == 0 {
				burst = 1
			}
		}
		c.limiters[ep.Name] = rate.NewLimiter(limit, burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prepare validates params for endpoint, fills defaults and attaches the
// endpoint's cost. It performs no I/O.
func (c *Client) Prepare(endpoint string, params map[string]string) (Request, error) {
	ep, ok := c.catalog.Lookup(endpoint)
	specs, known := endpointParams[endpoint]
	if !ok || !known {
		return Request{}, fmt.Errorf("%w: %s", ErrUnknown, endpoint)
	}
	if ep.BaseURL == "" {
		return Request{}, &Error{Endpoint: endpoint, Err: ErrNotConfigured}
	}

	out := make(map[string]string, len(specs))
	for _, spec := range specs {
		v := strings.TrimSpace(params[spec.name])
		if v == "" {
			if spec.def == "" {
				return Request{}, fmt.Errorf("%w: %s is required", ErrBadParams, spec.name)
			}
			v = spec.def
		}
		out[spec.name] = v
	}

	if endpoint == Image {
		for _, dim := range []string{"width", "height"} {
			if n, err := strconv.Atoi(out[dim]); err != nil || n <= 0 {
				return Request{}, fmt.Errorf("%w: %s must be a positive integer", ErrBadParams, dim)
			}
		}
	}

	return Request{Endpoint: endpoint, Cost: ep.Cost, Params: out}, nil
}

// Call performs req, honoring the endpoint's rate limit and timeout.
func (c *Client) Call(ctx context.Context, req Request) (Result, error) {
	ep, ok := c.catalog.Lookup(req.Endpoint)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknown, req.Endpoint)
	}

	if lim := c.limiters[req.Endpoint]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Result{}, &Error{Endpoint: req.Endpoint, Err: err}
		}
	}

	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	p := req.Params
	switch req.Endpoint {
	case Text:
		body, err := c.get(ctx, req.Endpoint, ep.BaseURL+"/prompt/"+url.PathEscape(p["prompt"]))
		if err != nil {
			return Result{}, err
		}
		return Result{Text: string(body)}, nil

	case Image:
		probe := ep.BaseURL + "/prompt/" + url.PathEscape(p["prompt"]) +
			"?" + url.Values{"width": {p["width"]}, "height": {p["height"]}}.Encode()
		if _, err := c.get(ctx, req.Endpoint, probe); err != nil {
			return Result{}, err
		}
		return Result{Text: probe + "&nologo=true"}, nil

	case QR:
		u := ep.BaseURL + "/v1/create-qr-code/?" + url.Values{"size": {p["size"]}, "data": {p["text"]}}.Encode()
		if _, err := c.get(ctx, req.Endpoint, u); err != nil {
			return Result{}, err
		}
		return Result{JSON: map[string]any{
			"qr_code_url": u,
			"text":        p["text"],
			"size":        p["size"],
			"note":        "Visit the URL to see/download your QR code",
		}}, nil

	case Voice:
		slug := strings.ReplaceAll(strings.ToLower(p["text"]), " ", "+")
		return Result{Text: ep.BaseURL + "/sounds/" + slug + "?" + url.Values{"voice": {p["voice"]}}.Encode()}, nil

	case Num:
		u, err := withQuery(ep.BaseURL, "mobile", p["mobile"])
		if err != nil {
			return Result{}, &Error{Endpoint: req.Endpoint, Err: err}
		}
		body, err := c.get(ctx, req.Endpoint, u)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: string(body)}, nil

	case Video:
		u, err := withQuery(ep.BaseURL, "prompt", p["prompt"])
		if err != nil {
			return Result{}, &Error{Endpoint: req.Endpoint, Err: err}
		}
		body, err := c.get(ctx, req.Endpoint, u)
		if err != nil {
			return Result{}, err
		}
		var payload any
		if err := json.Unmarshal(body, &payload); err != nil {
			return Result{}, &Error{Endpoint: req.Endpoint, Err: fmt.Errorf("malformed response: %w", err)}
		}
		return Result{JSON: formatVideo(payload, p["prompt"])}, nil

	case FFInfo:
		u, err := withQuery(ep.BaseURL, "uid", p["uid"])
		if err != nil {
			return Result{}, &Error{Endpoint: req.Endpoint, Err: err}
		}
		return Result{Redirect: u}, nil
	}

	return Result{}, fmt.Errorf("%w: %s", ErrUnknown, req.Endpoint)
}

func (c *Client) get(ctx context.Context, endpoint, rawURL string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Endpoint: endpoint, Err: err}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Endpoint: endpoint, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	return body, nil
}

// withQuery sets key=value on base, keeping any query already present.
func withQuery(base, key, value string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func formatVideo(payload any, prompt string) map[string]any {
	obj, ok := payload.(map[string]any)
	if !ok {
		return map[string]any{
			"video_response": fmt.Sprint(payload),
			"prompt":         prompt,
			"note":           "Video generated successfully",
		}
	}
	for _, k := range []string{"video_url", "url"} {
		if v, ok := obj[k]; ok {
			return map[string]any{
				"video_url": v,
				"prompt":    prompt,
				"note":      "Visit the URL to see your generated video",
			}
		}
	}
	return map[string]any{
		"video_data": obj,
		"prompt":     prompt,
		"note":       "Video generated successfully",
	}
}
