package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// ValidatePath is appended to the server base URL.
const ValidatePath = "/v1/validate"

// HTTPValidator validates purchases against the entitlement server.
type HTTPValidator struct {
	client  *resty.Client
	limiter *rate.Limiter
	url     string
	logger  *slog.Logger
}

// HTTPOption configures an HTTPValidator.
type HTTPOption func(*HTTPValidator)

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) HTTPOption {
	return func(v *HTTPValidator) {
		if d > 0 {
			v.client.SetTimeout(d)
		}
	}
}

// WithRateLimit limits outgoing requests to r per second with the given
// burst. A zero rate disables limiting.
func WithRateLimit(r float64, burst int) HTTPOption {
	return func(v *HTTPValidator) {
		if r <= 0 {
			v.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		v.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// WithAuthToken sends a bearer token with every request.
func WithAuthToken(token string) HTTPOption {
	return func(v *HTTPValidator) {
		if token != "" {
			v.client.SetAuthToken(token)
		}
	}
}

// WithHTTPLogger sets the logger for request failures.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(v *HTTPValidator) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewHTTPValidator returns a validator posting to baseURL + ValidatePath.
func NewHTTPValidator(baseURL string, opts ...HTTPOption) *HTTPValidator {
	v := &HTTPValidator{
		client:  resty.New().SetTimeout(10 * time.Second),
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		url:     strings.TrimRight(baseURL, "/") + ValidatePath,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// URL returns the validation endpoint.
func (v *HTTPValidator) URL() string {
	return v.url
}

// Validate posts req and maps the reply to a Response:
//   - 2xx with a known status: that status
//   - 2xx with an unreadable body: transient
//   - 429 and 5xx: transient
//   - other 4xx: the body status when readable, else invalid
//   - transport errors and timeouts: transient
//
// The returned error is non-nil only when ctx is done.
func (v *HTTPValidator) Validate(ctx context.Context, req Request) (Response, error) {
	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			return transient("rate limited"), nil
		}
	}

	resp, err := v.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(v.url)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		v.logger.Warn("entitlement request failed",
			"platform", req.Platform,
			"product_id", req.ProductID,
			"error", err)
		return transient(networkReason(err)), nil
	}

	code := resp.StatusCode()
	body := resp.Body()
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return transient(fmt.Sprintf("server status %d", code)), nil
	case code >= 400:
		if r, ok := decode(body); ok {
			return r, nil
		}
		return Response{Status: StatusInvalid, Reason: fmt.Sprintf("server status %d", code)}, nil
	case code >= 200 && code < 300:
		if r, ok := decode(body); ok {
			return r, nil
		}
		return transient("unreadable response"), nil
	default:
		return transient(fmt.Sprintf("unexpected status %d", code)), nil
	}
}

func decode(body []byte) (Response, bool) {
	if len(body) == 0 {
		return Response{}, false
	}
	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return Response{}, false
	}
	r.Status = Status(strings.ToLower(strings.TrimSpace(string(r.Status))))
	if !r.Status.Known() {
		return Response{}, false
	}
	return r, true
}

func transient(reason string) Response {
	return Response{Status: StatusTransient, Reason: reason}
}

func networkReason(err error) string {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return "timeout"
	}
	return "network error"
}
