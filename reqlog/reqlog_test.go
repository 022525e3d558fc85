package reqlog

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/pranems/scimserver/config"
	"github.com/pranems/scimserver/logging"
	"github.com/pranems/scimserver/store"
)

func newTestBuffer(t *testing.T, opts Options) (*Buffer, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), config.DBConfig{URL: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	log := logging.New(logging.Options{Level: logging.LevelOff, Stdout: io.Discard, Stderr: io.Discard})
	return New(st, log, opts), st
}

func waitForRows(t *testing.T, st *store.Store, want int) []store.RequestLog {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rows, total, err := st.ListRequestLogs(context.Background(), store.RequestLogQuery{IncludeAdmin: true})
		if err != nil {
			t.Fatal(err)
		}
		if total >= want {
			return rows
		}
		if time.Now().After(deadline) {
			t.Fatalf("rows = %d, want %d", total, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBufferFlushOnClose(t *testing.T) {
	b, st := newTestBuffer(t, Options{FlushInterval: time.Hour})
	b.Add(Record{Method: "POST", URL: "/scim/v2/Users", Status: 201, Duration: 12 * time.Millisecond,
		ResponseBody: `{"userName":"bjensen@example.com"}`})
	b.Add(Record{Method: "GET", URL: "/scim/v2/ServiceProviderConfig", Status: 200})
	b.Close()

	rows := waitForRows(t, st, 2)
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	// Newest first.
	if rows[1].Method != "POST" && rows[0].Method != "POST" {
		t.Errorf("POST row missing: %+v", rows)
	}
	for _, r := range rows {
		if r.URL == "/scim/v2/Users" {
			if !r.Identifier.Valid || r.Identifier.String != "bjensen@example.com" {
				t.Errorf("identifier = %+v", r.Identifier)
			}
			if r.DurationMs != 12 {
				t.Errorf("durationMs = %d", r.DurationMs)
			}
		}
	}
}

func TestBufferFlushOnBatchSize(t *testing.T) {
	b, st := newTestBuffer(t, Options{FlushInterval: time.Hour, BatchSize: 3})
	defer b.Close()
	for i := 0; i < 3; i++ {
		b.Add(Record{Method: "GET", URL: fmt.Sprintf("/scim/v2/Users?startIndex=%d", i+1), Status: 200})
	}
	// The batch threshold flushes without waiting for the timer.
	waitForRows(t, st, 3)
}

func TestBufferFlushOnTimer(t *testing.T) {
	b, st := newTestBuffer(t, Options{FlushInterval: 50 * time.Millisecond})
	defer b.Close()
	b.Add(Record{Method: "DELETE", URL: "/scim/v2/Users/5f3b…", Status: 204})
	waitForRows(t, st, 1)
}

func TestDeriveIdentifier(t *testing.T) {
	const id = "0a5f93b2-6f1a-4f77-b0f0-0f0d0a0b0c0d"
	tests := []struct {
		name string
		rec  Record
		want string
	}{
		{
			name: "user response userName",
			rec:  Record{URL: "/scim/v2/Users", ResponseBody: `{"userName":"bjensen"}`},
			want: "bjensen",
		},
		{
			name: "primary email beats first",
			rec: Record{URL: "/scim/v2/Users", ResponseBody: `{
				"emails":[{"value":"first@x.com"},{"value":"primary@x.com","primary":true}]}`},
			want: "primary@x.com",
		},
		{
			name: "first email when no primary",
			rec:  Record{URL: "/scim/v2/Users", ResponseBody: `{"emails":[{"value":"first@x.com"},{"value":"second@x.com"}]}`},
			want: "first@x.com",
		},
		{
			name: "externalId fallback",
			rec:  Record{URL: "/scim/v2/Users", ResponseBody: `{"externalId":"ext-1"}`},
			want: "ext-1",
		},
		{
			name: "request body when response empty",
			rec:  Record{URL: "/scim/v2/Users", RequestBody: `{"userName":"fromreq"}`},
			want: "fromreq",
		},
		{
			name: "url uuid fallback",
			rec:  Record{URL: "/scim/v2/Users/" + id, ResponseBody: ""},
			want: id,
		},
		{
			name: "url uuid with query",
			rec:  Record{URL: "/scim/v2/Users/" + id + "?attributes=userName"},
			want: id,
		},
		{
			name: "group displayName from response",
			rec:  Record{URL: "/scim/v2/Groups", ResponseBody: `{"displayName":"Engineering"}`},
			want: "Engineering",
		},
		{
			name: "group displayName from request",
			rec:  Record{URL: "/scim/v2/Groups/" + id, RequestBody: `{"displayName":"Sales"}`},
			want: "Sales",
		},
		{
			name: "keepalive probe stays anonymous",
			rec:  Record{URL: `/scim/v2/Users?filter=userName eq "probe"`, ResponseBody: `{"totalResults":0,"Resources":[]}`},
			want: "",
		},
		{
			name: "non-resource url",
			rec:  Record{URL: "/scim/admin/endpoints", ResponseBody: `{"userName":"x"}`},
			want: "",
		},
		{
			name: "malformed body falls through",
			rec:  Record{URL: "/scim/v2/Users/" + id, ResponseBody: `{not json`},
			want: id,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveIdentifier(tt.rec); got != tt.want {
				t.Errorf("DeriveIdentifier() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBufferOverflowDrops(t *testing.T) {
	// A buffer whose writer is already stopped cannot drain, so the channel
	// fills and extra records drop instead of blocking.
	st, err := store.Open(context.Background(), config.DBConfig{URL: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	log := logging.New(logging.Options{Level: logging.LevelOff, Stdout: io.Discard, Stderr: io.Discard})
	b := New(st, log, Options{FlushInterval: time.Hour})
	b.Close()

	for i := 0; i < queueCapacity+10; i++ {
		b.Add(Record{Method: "GET", URL: "/scim/v2/Users", Status: 200})
	}
	if b.Dropped() == 0 {
		t.Error("expected drops after overflow")
	}
}
