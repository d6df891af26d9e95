package sqlitestore_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tied-inc/evaltrack"
	"github.com/tied-inc/evaltrack/evaltrackhttp"
	"github.com/tied-inc/evaltrack/sqlitestore"
)

func openStore(t *testing.T, path string) *sqlitestore.Store {
	t.Helper()
	store, err := sqlitestore.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func newTrace(t *testing.T, at time.Time, data string) *evaltrack.Trace {
	t.Helper()
	tr, err := evaltrack.NewTrace(map[string]any{"args": "()"}, map[string]any{"data": data}, at)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestStore(t *testing.T) {
	t.Parallel()

	var (
		ctx   = context.Background()
		path  = filepath.Join(t.TempDir(), "traces.db")
		store = openStore(t, path)
		base  = time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
		older = newTrace(t, base, "older")
		newer = newTrace(t, base.Add(time.Minute), "newer")
	)

	for _, tr := range []*evaltrack.Trace{newer, older} {
		if err := store.Submit(ctx, tr); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	traces, err := store.FetchAll(ctx)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if want := []*evaltrack.Trace{newer, older}; !cmp.Equal(want, traces) {
		t.Error(cmp.Diff(want, traces))
	}

	have, err := store.Get(ctx, older.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !cmp.Equal(older, have) {
		t.Error(cmp.Diff(older, have))
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, evaltrack.ErrNotFound) {
		t.Errorf("Get missing: want %v, have %v", evaltrack.ErrNotFound, err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Traces survive reopening.
	reopened := openStore(t, path)
	defer reopened.Close()

	n, err := reopened.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := 2, n; want != have {
		t.Errorf("Count after reopen: want %d, have %d", want, have)
	}
}

func TestStoreUpsert(t *testing.T) {
	t.Parallel()

	var (
		ctx   = context.Background()
		store = openStore(t, filepath.Join(t.TempDir(), "traces.db"))
		tr    = newTrace(t, time.Now(), "first")
	)
	defer store.Close()

	store.Submit(ctx, tr)

	updated := *tr
	updated.Response = json.RawMessage(`{"data":"second"}`)
	updated.UpdatedAt = tr.UpdatedAt.Add(time.Second)
	if err := store.Submit(ctx, &updated); err != nil {
		t.Fatal(err)
	}

	n, _ := store.Count(ctx)
	if want, have := 1, n; want != have {
		t.Errorf("Count: want %d, have %d", want, have)
	}

	have, err := store.Get(ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if data, _ := have.Data(); data != "second" {
		t.Errorf("want updated trace, have data %v", data)
	}
}

func TestStoreRejectsInvalid(t *testing.T) {
	t.Parallel()

	var (
		ctx   = context.Background()
		store = openStore(t, filepath.Join(t.TempDir(), "traces.db"))
	)
	defer store.Close()

	if err := store.Submit(ctx, nil); !errors.Is(err, evaltrack.ErrInvalidTrace) {
		t.Errorf("nil: want %v, have %v", evaltrack.ErrInvalidTrace, err)
	}
	if err := store.Submit(ctx, &evaltrack.Trace{}); !errors.Is(err, evaltrack.ErrInvalidTrace) {
		t.Errorf("zero: want %v, have %v", evaltrack.ErrInvalidTrace, err)
	}

	traces, err := store.FetchAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if traces == nil || len(traces) != 0 {
		t.Errorf("want empty non-nil slice, have %#v", traces)
	}
}

func TestStoreBehindServer(t *testing.T) {
	t.Parallel()

	var (
		ctx        = context.Background()
		store      = openStore(t, filepath.Join(t.TempDir(), "traces.db"))
		httpServer = httptest.NewServer(evaltrackhttp.NewDefaultServer(store))
		client     = evaltrackhttp.NewClient(nil, httpServer.URL)
		tr         = newTrace(t, time.Now(), "via http")
	)
	defer store.Close()
	defer httpServer.Close()

	if err := client.Submit(ctx, tr); err != nil {
		t.Fatal(err)
	}

	traces, err := client.FetchAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []*evaltrack.Trace{tr}; !cmp.Equal(want, traces) {
		t.Error(cmp.Diff(want, traces))
	}
}
