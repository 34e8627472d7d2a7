package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gurkepunktli/strehlgasse-temp/internal/types"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodyBytes   = 1024
)

// Reason classifies why a delivery failed.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonHTTPStatus   Reason = "http_status"
	ReasonTimeout      Reason = "timeout"
	ReasonNetworkError Reason = "network_error"
	ReasonUnexpected   Reason = "unexpected"
)

// Failure is returned by Deliver when the endpoint did not acknowledge a reading.
type Failure struct {
	Reason Reason
	Status int
	Body   string
	Err    error
}

func (f *Failure) Error() string {
	switch f.Reason {
	case ReasonHTTPStatus:
		return fmt.Sprintf("delivery failed: http %d: %s", f.Status, f.Body)
	default:
		return fmt.Sprintf("delivery failed: %s: %v", f.Reason, f.Err)
	}
}

func (f *Failure) Unwrap() error { return f.Err }

// Classify returns the failure reason carried by err, or ReasonUnexpected
// for errors that did not come from Deliver.
func Classify(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ReasonUnexpected
}

type Config struct {
	URL      string
	Location string
	Timeout  time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient returns a client posting to cfg.URL. A nil httpClient gets one
// bounded by cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// BuildPayload rounds values to one decimal and stamps the capture time in ms.
func BuildPayload(location string, r types.Reading) types.Payload {
	p := types.Payload{
		Temperature: round1(r.Temperature),
		Location:    location,
		Timestamp:   r.ObservedAt.UnixMilli(),
	}
	if r.Humidity != nil {
		h := round1(*r.Humidity)
		p.Humidity = &h
	}
	return p
}

// round1 rounds the exact binary value to one decimal, ties to even.
// 20.25 becomes 20.2, not 20.3.
func round1(v float64) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 1, 64), 64)
	if err != nil {
		return v
	}
	return r
}

// Deliver posts one reading. It makes a single attempt; nil means the
// endpoint answered 2xx.
func (c *Client) Deliver(ctx context.Context, r types.Reading) error {
	payload := BuildPayload(c.cfg.Location, r)
	body, err := json.Marshal(payload)
	if err != nil {
		return &Failure{Reason: ReasonUnexpected, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return &Failure{Reason: ReasonUnexpected, Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		slog.Debug("delivery acknowledged",
			"status", resp.StatusCode,
			"temperature", payload.Temperature,
			"timestamp", payload.Timestamp,
		)
		return nil
	}

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	return &Failure{
		Reason: ReasonHTTPStatus,
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(b)),
	}
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Reason: ReasonTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Failure{Reason: ReasonTimeout, Err: err}
	}

	inner := err
	var ue *url.Error
	if errors.As(err, &ue) {
		inner = ue.Err
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(inner, &opErr), errors.As(inner, &dnsErr),
		errors.Is(inner, io.EOF), errors.Is(inner, io.ErrUnexpectedEOF):
		return &Failure{Reason: ReasonNetworkError, Err: err}
	case errors.As(inner, &ne):
		return &Failure{Reason: ReasonNetworkError, Err: err}
	default:
		return &Failure{Reason: ReasonUnexpected, Err: err}
	}
}
