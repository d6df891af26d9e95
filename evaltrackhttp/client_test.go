package evaltrackhttp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/tied-inc/evaltrack"
	"github.com/tied-inc/evaltrack/evaltrackhttp"
)

func newTestTrace(t *testing.T, args, data string) *evaltrack.Trace {
	t.Helper()
	tr, err := evaltrack.NewTrace(map[string]any{"args": args}, map[string]any{"data": data}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestClientServerRoundTrip(t *testing.T) {
	t.Parallel()

	var (
		ctx        = context.Background()
		store      = evaltrack.NewDefaultStore()
		server     = evaltrackhttp.NewDefaultServer(store)
		httpServer = httptest.NewServer(server)
		client     = evaltrackhttp.NewClient(http.DefaultClient, httpServer.URL)
	)
	defer httpServer.Close()

	first, second := newTestTrace(t, "(1)", "2"), newTestTrace(t, "(2)", "4")
	for _, tr := range []*evaltrack.Trace{first, second} {
		if err := client.Submit(ctx, tr); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	traces, err := client.FetchAll(ctx)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}

	want := []*evaltrack.Trace{second, first}
	if !cmp.Equal(want, traces) {
		t.Error(cmp.Diff(want, traces))
	}

	tr, err := client.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !cmp.Equal(first, tr) {
		t.Error(cmp.Diff(first, tr))
	}

	if _, err := client.Get(ctx, "nonexistent"); !errors.Is(err, evaltrack.ErrNotFound) || !errors.Is(err, evaltrack.ErrUnknown) {
		t.Errorf("Get missing: want %v and %v, have %v", evaltrack.ErrNotFound, evaltrack.ErrUnknown, err)
	}
}

func TestClientFetchAllEmpty(t *testing.T) {
	t.Parallel()

	httpServer := httptest.NewServer(evaltrackhttp.NewDefaultServer(evaltrack.NewDefaultStore()))
	defer httpServer.Close()

	traces, err := evaltrackhttp.NewClient(nil, httpServer.URL).FetchAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want, have := 0, len(traces); want != have {
		t.Errorf("want %d traces, have %d", want, have)
	}
}

func TestClientSubmitRequest(t *testing.T) {
	t.Parallel()

	var (
		mtx      sync.Mutex
		requests []string
		bodies   []map[string]any
	)

	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		json.Unmarshal(body, &m)

		mtx.Lock()
		requests = append(requests, fmt.Sprintf("%s %s %s", r.Method, r.URL.Path, r.Header.Get("content-type")))
		bodies = append(bodies, m)
		mtx.Unlock()

		w.WriteHeader(http.StatusCreated)
	}))
	defer httpServer.Close()

	tr := newTestTrace(t, "(5)", "10")
	if err := evaltrackhttp.NewClient(nil, httpServer.URL+"/").Submit(context.Background(), tr); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if want, have := []string{"POST /traces application/json"}, requests; !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}

	body := bodies[0]
	if want, have := tr.ID, body["id"]; want != have {
		t.Errorf("id: want %v, have %v", want, have)
	}
	if want, have := (map[string]any{"args": "(5)"}), body["request"]; !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
	if want, have := (map[string]any{"data": "10"}), body["response"]; !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}
	for _, key := range []string{"created_at", "updated_at"} {
		if _, ok := body[key].(string); !ok {
			t.Errorf("%s: want string, have %T", key, body[key])
		}
	}
}

func TestClientErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("transport", func(t *testing.T) {
		t.Parallel()

		httpServer := httptest.NewServer(http.NotFoundHandler())
		addr := httpServer.URL
		httpServer.Close() // nothing listening anymore

		client := evaltrackhttp.NewClient(nil, addr)
		if err := client.Submit(ctx, newTestTrace(t, "()", "1")); !errors.Is(err, evaltrack.ErrTransport) {
			t.Errorf("Submit: want %v, have %v", evaltrack.ErrTransport, err)
		}
		if _, err := client.FetchAll(ctx); !errors.Is(err, evaltrack.ErrTransport) {
			t.Errorf("FetchAll: want %v, have %v", evaltrack.ErrTransport, err)
		}
	})

	t.Run("status", func(t *testing.T) {
		t.Parallel()

		var calls int64
		var mtx sync.Mutex
		httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mtx.Lock()
			calls++
			mtx.Unlock()
			http.Error(w, "nope", http.StatusInternalServerError)
		}))
		defer httpServer.Close()

		client := evaltrackhttp.NewClient(nil, httpServer.URL)
		err := client.Submit(ctx, newTestTrace(t, "()", "1"))
		if !errors.Is(err, evaltrack.ErrUnknown) {
			t.Fatalf("Submit: want %v, have %v", evaltrack.ErrUnknown, err)
		}
		if errors.Is(err, evaltrack.ErrTransport) || errors.Is(err, evaltrack.ErrSerialization) {
			t.Errorf("Submit: error %v wraps more than one category", err)
		}

		var statusErr *evaltrack.StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("Submit: want StatusError, have %v", err)
		}
		if want, have := http.StatusInternalServerError, statusErr.Code; want != have {
			t.Errorf("status code: want %d, have %d", want, have)
		}

		mtx.Lock()
		defer mtx.Unlock()
		if want, have := int64(1), calls; want != have {
			t.Errorf("requests: want %d (no retries), have %d", want, have)
		}
	})

	t.Run("decode", func(t *testing.T) {
		t.Parallel()

		httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"not":"an array"`)
		}))
		defer httpServer.Close()

		_, err := evaltrackhttp.NewClient(nil, httpServer.URL).FetchAll(ctx)
		if !errors.Is(err, evaltrack.ErrSerialization) {
			t.Errorf("FetchAll: want %v, have %v", evaltrack.ErrSerialization, err)
		}
	})

	t.Run("encode", func(t *testing.T) {
		t.Parallel()

		tr := newTestTrace(t, "()", "1")
		tr.Request = json.RawMessage(`{not json`)

		err := evaltrackhttp.NewClient(nil, "localhost:1").Submit(ctx, tr)
		if !errors.Is(err, evaltrack.ErrSerialization) {
			t.Errorf("Submit: want %v, have %v", evaltrack.ErrSerialization, err)
		}
	})
}

func TestClientBaseAddress(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		input string
		want  string
	}{
		{"localhost:8000", "http://localhost:8000"},
		{"http://localhost:8000/", "http://localhost:8000"},
		{" https://example.com/prefix ", "https://example.com/prefix"},
		{"http+unix:///tmp/evaltrack.sock:", "http+unix:///tmp/evaltrack.sock:"},
	} {
		if want, have := tc.want, evaltrackhttp.NewClient(nil, tc.input).BaseAddress(); want != have {
			t.Errorf("%q: want %q, have %q", tc.input, want, have)
		}
	}
}

func TestSinkFactoryWithRegistry(t *testing.T) {
	t.Parallel()

	var (
		ctx        = context.Background()
		store      = evaltrack.NewDefaultStore()
		httpServer = httptest.NewServer(evaltrackhttp.NewDefaultServer(store))
		registry   = evaltrack.NewRegistry(evaltrack.WithSinkFactory(evaltrackhttp.NewSink))
	)
	defer httpServer.Close()

	if !registry.Initialize(httpServer.URL) {
		t.Fatal("Initialize failed")
	}

	double := evaltrack.Instrument(func(_ context.Context, n int) (int, error) {
		return 2 * n, nil
	}, evaltrack.WithRegistry(registry))

	fail := evaltrack.Instrument0(func(context.Context) (int, error) {
		return 0, errors.New("boom")
	}, evaltrack.WithRegistry(registry))

	double(ctx, 5)
	fail(ctx)

	if err := registry.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	traces, err := store.FetchAll(ctx)
	if err != nil {
		t.Fatal(err)
	}

	var responses []string
	for _, tr := range traces {
		responses = append(responses, strings.TrimSpace(string(tr.Request))+" "+strings.TrimSpace(string(tr.Response)))
	}

	want := []string{
		`{"args":"()"} {"error":"boom"}`,
		`{"args":"(5)"} {"data":"10"}`,
	}
	sortStrings := cmpopts.SortSlices(func(a, b string) bool { return a < b })
	if !cmp.Equal(want, responses, sortStrings) {
		t.Error(cmp.Diff(want, responses, sortStrings))
	}
}

func TestRegistryIgnoresFailingStore(t *testing.T) {
	t.Parallel()

	var (
		ctx        = context.Background()
		httpServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }))
		registry   = evaltrack.NewRegistry()
	)
	defer httpServer.Close()

	registry.InitializeWith(httpServer.URL, evaltrackhttp.NewSink)

	double := evaltrack.Instrument(func(_ context.Context, n int) (int, error) { return 2 * n, nil }, evaltrack.WithRegistry(registry))
	if out, err := double(ctx, 5); err != nil || out != 10 {
		t.Fatalf("want 10, have %d (err %v)", out, err)
	}

	if err := registry.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if want, have := uint64(1), registry.Stats().Failed; want != have {
		t.Errorf("failed deliveries: want %d, have %d", want, have)
	}
}

func TestClientSecretKey(t *testing.T) {
	t.Parallel()

	var (
		ctx        = context.Background()
		server     = evaltrackhttp.NewServer(evaltrackhttp.ServerConfig{SecretKey: "hunter2"})
		httpServer = httptest.NewServer(server)
	)
	defer httpServer.Close()

	keyed := evaltrackhttp.NewClient(nil, httpServer.URL)
	keyed.SecretKey = "hunter2"

	tr := newTestTrace(t, "()", "x")
	if err := keyed.Submit(ctx, tr); err != nil {
		t.Fatalf("Submit with key: %v", err)
	}
	if have, err := keyed.Get(ctx, tr.ID); err != nil || have.ID != tr.ID {
		t.Fatalf("Get with key: want %s, have %v (err %v)", tr.ID, have, err)
	}

	for _, key := range []string{"", "hunter3"} {
		client := evaltrackhttp.NewClient(nil, httpServer.URL)
		client.SecretKey = key

		_, err := client.FetchAll(ctx)
		var statusErr *evaltrack.StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("key %q: want StatusError, have %v", key, err)
		}
		if want, have := http.StatusForbidden, statusErr.Code; want != have {
			t.Errorf("key %q: status code: want %d, have %d", key, want, have)
		}
	}

	registry := evaltrack.NewRegistry(evaltrack.WithSinkFactory(evaltrackhttp.NewSinkFactory("hunter2")))
	registry.Initialize(httpServer.URL)
	double := evaltrack.Instrument(func(_ context.Context, n int) (int, error) { return 2 * n, nil }, evaltrack.WithRegistry(registry))
	if _, err := double(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := registry.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if want, have := (evaltrack.DeliveryStats{Submitted: 1, Delivered: 1}), registry.Stats(); want != have {
		t.Errorf("stats: want %+v, have %+v", want, have)
	}
}
