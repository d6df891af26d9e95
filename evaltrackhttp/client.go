package evaltrackhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/peterbourgon/unixtransport"
	"github.com/tied-inc/evaltrack"
)

// HTTPClient models a concrete http.Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Client is a [evaltrack.Sink] that talks to a remote trace store, assumed to
// be an instance of the server also defined in this package, or anything else
// speaking the same wire contract.
//
// Every error returned by the client wraps exactly one of
// [evaltrack.ErrTransport], [evaltrack.ErrSerialization], or
// [evaltrack.ErrUnknown].
type Client struct {
	client  HTTPClient
	baseurl string

	// RetryInterval is how long Stream waits before reconnecting after the
	// stream is interrupted. Optional. By default, it's 1s.
	RetryInterval time.Duration

	// SecretKey is sent with every request, for stores that require one.
	// Optional.
	SecretKey string
}

var _ evaltrack.Sink = (*Client)(nil)

// NewClient returns a client calling the trace store at baseAddress. A base
// address without a scheme is assumed to be http. If client is nil, a default
// client is used, which also understands http+unix and https+unix addresses
// (see [github.com/peterbourgon/unixtransport]).
func NewClient(client HTTPClient, baseAddress string) *Client {
	if client == nil {
		client = newDefaultHTTPClient()
	}

	baseAddress = strings.TrimSuffix(strings.TrimSpace(baseAddress), "/")
	if !strings.Contains(baseAddress, "://") {
		baseAddress = "http://" + baseAddress
	}

	return &Client{
		client:        client,
		baseurl:       baseAddress,
		RetryInterval: time.Second,
	}
}

// NewSink is a [evaltrack.SinkFactory] that returns a client with a default
// HTTP client.
func NewSink(baseAddress string) evaltrack.Sink {
	return NewClient(nil, baseAddress)
}

// NewSinkFactory returns a [evaltrack.SinkFactory] like [NewSink], whose
// clients send the given secret key.
func NewSinkFactory(secretKey string) evaltrack.SinkFactory {
	return func(baseAddress string) evaltrack.Sink {
		c := NewClient(nil, baseAddress)
		c.SecretKey = secretKey
		return c
	}
}

func newDefaultHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	unixtransport.Register(transport)
	return &http.Client{Transport: transport}
}

// BaseAddress returns the normalized base address of the trace store.
func (c *Client) BaseAddress() string {
	return c.baseurl
}

// Submit implements evaltrack.Sink, sending one POST request to /traces. The
// request is made exactly once. Any non-2xx response is an error.
func (c *Client) Submit(ctx context.Context, tr *evaltrack.Trace) error {
	body, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("encode trace: %w: %w", evaltrack.ErrSerialization, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseurl+tracesPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w: %w", evaltrack.ErrUnknown, err)
	}

	req.Header.Set("content-type", "application/json")
	c.setSecretKey(req)

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	return nil
}

// FetchAll implements evaltrack.Sink, fetching every trace held by the store.
func (c *Client) FetchAll(ctx context.Context) ([]*evaltrack.Trace, error) {
	var traces []*evaltrack.Trace
	if err := c.getJSON(ctx, tracesPath, &traces); err != nil {
		return nil, err
	}
	return traces, nil
}

// Get fetches the trace with the given ID. A missing trace is reported as an
// error wrapping both evaltrack.ErrUnknown and evaltrack.ErrNotFound.
func (c *Client) Get(ctx context.Context, id string) (*evaltrack.Trace, error) {
	var tr evaltrack.Trace
	if err := c.getJSON(ctx, tracesPath+"/"+url.PathEscape(id), &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// Stream follows the store's live stream of newly submitted traces, sending
// each one to ch, until ctx is done. Interrupted connections are retried after
// RetryInterval. Stream returns nil when ctx is done.
func (c *Client) Stream(ctx context.Context, ch chan<- *evaltrack.Trace) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseurl+streamPath, nil)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w: %w", evaltrack.ErrUnknown, err)
	}

	req.Header.Set("accept", "text/event-stream")
	c.setSecretKey(req)

	retry := c.RetryInterval
	if retry <= 0 {
		retry = time.Second
	}

	es := eventsource.New(req, retry)

	// es is closed when ctx is done, or when Stream returns for any reason.
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		es.Close()
	}()

	for {
		ev, err := es.Read()
		switch {
		case errors.Is(err, eventsource.ErrClosed), ctx.Err() != nil:
			return nil
		case err != nil:
			return fmt.Errorf("read server-sent event: %w: %w", evaltrack.ErrTransport, err)
		}

		if ev.Type != eventTypeTrace {
			continue // heartbeats, mostly
		}

		var tr evaltrack.Trace
		if err := json.Unmarshal(ev.Data, &tr); err != nil {
			return fmt.Errorf("decode trace event: %w: %w", evaltrack.ErrSerialization, err)
		}

		select {
		case ch <- &tr:
		case <-ctx.Done():
			return nil
		}
	}
}

//
//
//

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseurl+path, nil)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w: %w", evaltrack.ErrUnknown, err)
	}

	req.Header.Set("accept", "application/json")
	c.setSecretKey(req)

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w: %w", evaltrack.ErrSerialization, err)
	}

	return nil
}

func (c *Client) setSecretKey(req *http.Request) {
	if c.SecretKey != "" {
		req.Header.Set(secretKeyHeader, c.SecretKey)
	}
}

// do executes the request and classifies failures. On success, the caller
// must drain the response.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute HTTP request: %w: %w", evaltrack.ErrTransport, redactURL(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp)
		statusErr := &evaltrack.StatusError{Code: resp.StatusCode}
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s %s: %w: %w: %w", req.Method, req.URL.Path, evaltrack.ErrUnknown, statusErr, evaltrack.ErrNotFound)
		}
		return nil, fmt.Errorf("%s %s: %w: %w", req.Method, req.URL.Path, evaltrack.ErrUnknown, statusErr)
	}

	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func redactURL(err error) error {
	if urlErr := (&url.Error{}); errors.As(err, &urlErr) {
		err = fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
