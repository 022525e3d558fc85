package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pranems/scimserver/config"
	"github.com/pranems/scimserver/endpoint"
	"github.com/pranems/scimserver/logging"
	"github.com/pranems/scimserver/reqlog"
	"github.com/pranems/scimserver/store"
)

const testSecret = "test-shared-secret"

type testServer struct {
	ts        *httptest.Server
	store     *store.Store
	log       *logging.Logger
	endpoints *endpoint.Service
	buffer    *reqlog.Buffer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.Open(context.Background(), config.DBConfig{URL: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	log := logging.New(logging.Options{
		Level:  logging.LevelInfo,
		Stdout: io.Discard,
		Stderr: io.Discard,
	})
	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:              8880,
			BaseURL:           "http://localhost:8880",
			CORSOrigins:       []string{"*"},
			SlowRequestMillis: 2000,
		},
		Auth: config.AuthConfig{
			SharedSecret:      testSecret,
			JWTSecret:         "test-jwt-secret",
			OAuthClientID:     "client-1",
			OAuthClientSecret: "client-password",
			TokenTTLSeconds:   3600,
		},
	}
	buffer := reqlog.New(st, log, reqlog.Options{FlushInterval: 20 * time.Millisecond})
	t.Cleanup(buffer.Close)

	srv := New(cfg, log, st, buffer)
	eps := endpoint.NewService(st, log)
	if _, err := eps.EnsureDefault(context.Background()); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, store: st, log: log, endpoints: eps, buffer: buffer}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/scim+json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func userBody(userName string) map[string]any {
	return map[string]any{
		"schemas":  []string{"urn:ietf:params:scim:schemas:core:2.0:User"},
		"userName": userName,
	}
}

func TestCreateDuplicateUserNameAcrossEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp, created := s.do(t, "POST", "/scim/v2/Users", userBody("alice@x.com"), nil)
	if resp.StatusCode != 201 {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, created)
	}
	if resp.Header.Get("Location") == "" {
		t.Error("Location header missing on 201")
	}

	resp, errBody := s.do(t, "POST", "/scim/v2/Users", userBody("ALICE@x.com"), nil)
	if resp.StatusCode != 409 || errBody["scimType"] != "uniqueness" {
		t.Fatalf("duplicate status = %d, body %v", resp.StatusCode, errBody)
	}

	other, err := s.endpoints.Create(context.Background(), endpoint.CreateParams{Name: "e2"})
	if err != nil {
		t.Fatal(err)
	}
	resp, _ = s.do(t, "POST", "/scim/endpoints/"+other.ID+"/Users", userBody("alice@x.com"), nil)
	if resp.StatusCode != 201 {
		t.Fatalf("cross-endpoint create status = %d", resp.StatusCode)
	}
}

func TestPatchValuePathReplace(t *testing.T) {
	s := newTestServer(t)

	body := userBody("bjensen@x.com")
	body["emails"] = []map[string]any{
		{"type": "work", "value": "old@x.com", "primary": true},
	}
	resp, created := s.do(t, "POST", "/scim/v2/Users", body, nil)
	if resp.StatusCode != 201 {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id := created["id"].(string)

	patch := map[string]any{
		"schemas": []string{"urn:ietf:params:scim:api:messages:2.0:PatchOp"},
		"Operations": []map[string]any{
			{"op": "replace", "path": `emails[type eq "work"].value`, "value": "new@x.com"},
		},
	}
	resp, _ = s.do(t, "PATCH", "/scim/v2/Users/"+id, patch, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}

	resp, got := s.do(t, "GET", "/scim/v2/Users/"+id, nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	emails := got["emails"].([]any)
	if len(emails) != 1 {
		t.Fatalf("emails = %v", emails)
	}
	email := emails[0].(map[string]any)
	if email["value"] != "new@x.com" || email["type"] != "work" || email["primary"] != true {
		t.Errorf("email = %v", email)
	}
}

func TestGroupMemberFlagGate(t *testing.T) {
	s := newTestServer(t)

	_, u1 := s.do(t, "POST", "/scim/v2/Users", userBody("u1@x.com"), nil)
	_, u2 := s.do(t, "POST", "/scim/v2/Users", userBody("u2@x.com"), nil)
	uid1, uid2 := u1["id"].(string), u2["id"].(string)

	resp, group := s.do(t, "POST", "/scim/v2/Groups", map[string]any{
		"schemas":     []string{"urn:ietf:params:scim:schemas:core:2.0:Group"},
		"displayName": "Gated",
	}, nil)
	if resp.StatusCode != 201 {
		t.Fatalf("group create status = %d", resp.StatusCode)
	}
	gid := group["id"].(string)

	multiAdd := map[string]any{
		"schemas": []string{"urn:ietf:params:scim:api:messages:2.0:PatchOp"},
		"Operations": []map[string]any{
			{"op": "add", "path": "members", "value": []map[string]any{
				{"value": uid1}, {"value": uid2},
			}},
		},
	}
	resp, errBody := s.do(t, "PATCH", "/scim/v2/Groups/"+gid, multiAdd, nil)
	if resp.StatusCode != 400 || errBody["scimType"] != "invalidValue" {
		t.Fatalf("multi-add status = %d, body %v", resp.StatusCode, errBody)
	}

	split := map[string]any{
		"schemas": []string{"urn:ietf:params:scim:api:messages:2.0:PatchOp"},
		"Operations": []map[string]any{
			{"op": "add", "path": "members", "value": []map[string]any{{"value": uid1}}},
			{"op": "add", "path": "members", "value": []map[string]any{{"value": uid2}}},
		},
	}
	resp, patched := s.do(t, "PATCH", "/scim/v2/Groups/"+gid, split, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("split patch status = %d, body %v", resp.StatusCode, patched)
	}
	if members := patched["members"].([]any); len(members) != 2 {
		t.Errorf("members = %v", members)
	}
}

func TestFilterPushdownFallback(t *testing.T) {
	s := newTestServer(t)

	for i, domain := range []string{"@acme.com", "@other.com", "@example.com"} {
		body := userBody(fmt.Sprintf("user%d@x.com", i))
		body["emails"] = []map[string]any{{"type": "work", "value": fmt.Sprintf("user%d%s", i, domain)}}
		if resp, _ := s.do(t, "POST", "/scim/v2/Users", body, nil); resp.StatusCode != 201 {
			t.Fatalf("create status = %d", resp.StatusCode)
		}
	}

	filter := `emails[type eq "work" and value co "@acme.com"]`
	resp, lr := s.do(t, "GET", "/scim/v2/Users?filter="+strings.ReplaceAll(filter, " ", "%20"), nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if lr["totalResults"] != float64(1) {
		t.Fatalf("totalResults = %v", lr["totalResults"])
	}
	match := lr["Resources"].([]any)[0].(map[string]any)
	if match["userName"] != "user0@x.com" {
		t.Errorf("matched %v", match["userName"])
	}
}

func TestLogStreamFiltersByLevel(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest("GET", s.ts.URL+"/scim/admin/log-config/stream?level=WARN", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testSecret)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	frames := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				frames <- strings.TrimPrefix(line, "data: ")
			}
		}
		close(frames)
	}()

	// The connected event arrives first with the active filters.
	select {
	case frame := <-frames:
		if !strings.Contains(frame, `"level":"WARN"`) {
			t.Errorf("connected frame = %s", frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no connected event")
	}

	// An INFO entry is filtered out, a WARN entry is delivered.
	s.log.Info(context.Background(), logging.CategoryGeneral, "below threshold", nil)
	s.log.Warn(context.Background(), logging.CategoryGeneral, "above threshold", nil)

	select {
	case frame := <-frames:
		var entry map[string]any
		if err := json.Unmarshal([]byte(frame), &entry); err != nil {
			t.Fatalf("frame is not JSON: %s", frame)
		}
		if entry["message"] != "above threshold" || entry["level"] != "WARN" {
			t.Errorf("delivered entry = %v", entry)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("WARN entry never delivered")
	}

	before := s.log.SubscriberCount()
	if before == 0 {
		t.Fatal("subscription not registered")
	}
	cancel()
	deadline := time.Now().Add(3 * time.Second)
	for s.log.SubscriberCount() >= before {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released on disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestETagConditionalGet(t *testing.T) {
	s := newTestServer(t)

	resp, created := s.do(t, "POST", "/scim/v2/Users", userBody("etag@x.com"), nil)
	if resp.StatusCode != 201 {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id := created["id"].(string)
	version := created["meta"].(map[string]any)["version"].(string)
	if !strings.HasPrefix(version, `W/"`) {
		t.Fatalf("version = %q", version)
	}

	resp, body := s.do(t, "GET", "/scim/v2/Users/"+id, nil, map[string]string{"If-None-Match": version})
	if resp.StatusCode != 304 {
		t.Fatalf("conditional get status = %d", resp.StatusCode)
	}
	if body != nil {
		t.Errorf("304 body = %v", body)
	}

	// Let the millisecond clock advance so the version must change.
	time.Sleep(5 * time.Millisecond)
	patch := map[string]any{
		"schemas": []string{"urn:ietf:params:scim:api:messages:2.0:PatchOp"},
		"Operations": []map[string]any{
			{"op": "replace", "path": "displayName", "value": "Changed"},
		},
	}
	if resp, _ := s.do(t, "PATCH", "/scim/v2/Users/"+id, patch, nil); resp.StatusCode != 200 {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}

	resp, got := s.do(t, "GET", "/scim/v2/Users/"+id, nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if got["meta"].(map[string]any)["version"] == version {
		t.Error("meta.version did not change after PATCH")
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	req, _ := http.NewRequest("GET", s.ts.URL+"/scim/v2/Users", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Errorf("unauthenticated status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest("GET", s.ts.URL+"/scim/v2/Users", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Errorf("bad-token status = %d", resp.StatusCode)
	}

	// Health is public.
	resp, err = http.Get(s.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func TestTokenFlow(t *testing.T) {
	s := newTestServer(t)

	form := "grant_type=client_credentials&client_id=client-1&client_secret=client-password"
	resp, err := http.Post(s.ts.URL+"/scim/oauth/token",
		"application/x-www-form-urlencoded", strings.NewReader(form))
	if err != nil {
		t.Fatal(err)
	}
	var token map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("token status = %d, body %v", resp.StatusCode, token)
	}
	access, _ := token["access_token"].(string)
	if access == "" || token["token_type"] != "Bearer" || token["expires_in"] != float64(3600) {
		t.Fatalf("token response = %v", token)
	}

	// The issued JWT is accepted on the SCIM surface.
	req, _ := http.NewRequest("GET", s.ts.URL+"/scim/v2/Users", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("jwt-authenticated list status = %d", resp.StatusCode)
	}

	// Wrong client secret.
	form = "grant_type=client_credentials&client_id=client-1&client_secret=nope"
	resp, err = http.Post(s.ts.URL+"/scim/oauth/token",
		"application/x-www-form-urlencoded", strings.NewReader(form))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Errorf("invalid client status = %d", resp.StatusCode)
	}
}

func TestRequestIDEcho(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, "GET", "/scim/v2/Users", nil, map[string]string{"X-Request-Id": "req-123"})
	if got := resp.Header.Get("X-Request-Id"); got != "req-123" {
		t.Errorf("echoed id = %q", got)
	}
	resp, _ = s.do(t, "GET", "/scim/v2/Users", nil, nil)
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("no generated request id")
	}
}

func TestContentTypeEnforced(t *testing.T) {
	s := newTestServer(t)

	req, _ := http.NewRequest("POST", s.ts.URL+"/scim/v2/Users",
		strings.NewReader(`{"schemas":["urn:ietf:params:scim:schemas:core:2.0:User"],"userName":"x@x.com"}`))
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 415 {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestUnknownEndpointIs404(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.do(t, "GET", "/scim/endpoints/no-such-endpoint/Users", nil, nil)
	if resp.StatusCode != 404 {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestDiscoveryDocuments(t *testing.T) {
	s := newTestServer(t)

	resp, spc := s.do(t, "GET", "/scim/v2/ServiceProviderConfig", nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	patch := spc["patch"].(map[string]any)
	if patch["supported"] != true {
		t.Errorf("patch.supported = %v", patch["supported"])
	}
	bulk := spc["bulk"].(map[string]any)
	if bulk["supported"] != false {
		t.Errorf("bulk.supported = %v", bulk["supported"])
	}

	resp, schemas := s.do(t, "GET", "/scim/v2/Schemas", nil, nil)
	if resp.StatusCode != 200 || schemas["totalResults"] != float64(3) {
		t.Errorf("schemas = %v", schemas["totalResults"])
	}

	resp, types := s.do(t, "GET", "/scim/v2/ResourceTypes", nil, nil)
	if resp.StatusCode != 200 || types["totalResults"] != float64(2) {
		t.Errorf("resource types = %v", types["totalResults"])
	}
}

func TestAdminEndpointLifecycle(t *testing.T) {
	s := newTestServer(t)

	resp, created := s.do(t, "POST", "/scim/admin/endpoints", map[string]any{
		"name":        "contoso",
		"displayName": "Contoso",
		"config":      map[string]any{"VerbosePatchSupported": true},
	}, nil)
	if resp.StatusCode != 201 {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, created)
	}
	id := created["id"].(string)

	resp, got := s.do(t, "GET", "/scim/admin/endpoints/"+id, nil, nil)
	if resp.StatusCode != 200 || got["name"] != "contoso" {
		t.Fatalf("get = %d %v", resp.StatusCode, got)
	}

	resp, byName := s.do(t, "GET", "/scim/admin/endpoints/by-name/contoso", nil, nil)
	if resp.StatusCode != 200 || byName["id"] != id {
		t.Fatalf("by-name = %d %v", resp.StatusCode, byName)
	}

	resp, updated := s.do(t, "PATCH", "/scim/admin/endpoints/"+id, map[string]any{
		"displayName": "Contoso Ltd",
	}, nil)
	if resp.StatusCode != 200 || updated["displayName"] != "Contoso Ltd" {
		t.Fatalf("update = %d %v", resp.StatusCode, updated)
	}

	if resp, _ := s.do(t, "POST", "/scim/endpoints/"+id+"/Users", userBody("a@x.com"), nil); resp.StatusCode != 201 {
		t.Fatalf("tenant user create status = %d", resp.StatusCode)
	}
	resp, stats := s.do(t, "GET", "/scim/admin/endpoints/"+id+"/stats", nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	if stats["users"] != float64(1) {
		t.Errorf("stats = %v", stats)
	}

	if resp, _ := s.do(t, "DELETE", "/scim/admin/endpoints/"+id, nil, nil); resp.StatusCode != 204 {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, "GET", "/scim/admin/endpoints/"+id, nil, nil); resp.StatusCode != 404 {
		t.Errorf("get after delete status = %d", resp.StatusCode)
	}
}

func TestLogConfigRuntime(t *testing.T) {
	s := newTestServer(t)

	resp, cfg := s.do(t, "GET", "/scim/admin/log-config", nil, nil)
	if resp.StatusCode != 200 || cfg["level"] != "INFO" {
		t.Fatalf("snapshot = %d %v", resp.StatusCode, cfg)
	}

	resp, cfg = s.do(t, "PUT", "/scim/admin/log-config/level/DEBUG", nil, nil)
	if resp.StatusCode != 200 || cfg["level"] != "DEBUG" {
		t.Fatalf("set level = %d %v", resp.StatusCode, cfg)
	}

	resp, cfg = s.do(t, "PUT", "/scim/admin/log-config/category/database/TRACE", nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("set category = %d", resp.StatusCode)
	}
	if cfg["categoryLevels"].(map[string]any)["database"] != "TRACE" {
		t.Errorf("categoryLevels = %v", cfg["categoryLevels"])
	}

	resp, _ = s.do(t, "PUT", "/scim/admin/log-config/endpoint/ep-1/ERROR", nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("set endpoint = %d", resp.StatusCode)
	}
	resp, cfg = s.do(t, "DELETE", "/scim/admin/log-config/endpoint/ep-1", nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("remove endpoint = %d", resp.StatusCode)
	}
	if levels := cfg["endpointLevels"].(map[string]any); len(levels) != 0 {
		t.Errorf("endpointLevels = %v", levels)
	}

	resp, _ = s.do(t, "PUT", "/scim/admin/log-config/level/NOPE", nil, nil)
	if resp.StatusCode != 400 {
		t.Errorf("invalid level status = %d", resp.StatusCode)
	}
}

func TestRecentLogsAndDownload(t *testing.T) {
	s := newTestServer(t)
	s.log.Warn(context.Background(), logging.CategoryGeneral, "visible warning", nil)

	resp, body := s.do(t, "GET", "/scim/admin/log-config/recent?level=WARN", nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("recent status = %d", resp.StatusCode)
	}
	entries := body["entries"].([]any)
	found := false
	for _, e := range entries {
		if e.(map[string]any)["message"] == "visible warning" {
			found = true
		}
	}
	if !found {
		t.Errorf("warning not in recent entries: %v", entries)
	}

	req, _ := http.NewRequest("GET", s.ts.URL+"/scim/admin/log-config/download?format=ndjson", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	dl, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer dl.Body.Close()
	if cd := dl.Header.Get("Content-Disposition"); !strings.Contains(cd, ".ndjson") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	if resp, _ := s.do(t, "DELETE", "/scim/admin/log-config/recent", nil, nil); resp.StatusCode != 204 {
		t.Errorf("clear status = %d", resp.StatusCode)
	}
	_, body = s.do(t, "GET", "/scim/admin/log-config/recent", nil, nil)
	// Clearing leaves only entries logged by this request cycle itself.
	if body["totalResults"].(float64) > 2 {
		t.Errorf("ring not cleared: %v", body)
	}
}

func TestActivityCapturesRequests(t *testing.T) {
	s := newTestServer(t)

	if resp, _ := s.do(t, "POST", "/scim/v2/Users", userBody("audit@x.com"), nil); resp.StatusCode != 201 {
		t.Fatal("create failed")
	}

	// The reqlog buffer flushes on its short test interval.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, body := s.do(t, "GET", "/scim/admin/activity?method=POST", nil, nil)
		if resp.StatusCode != 200 {
			t.Fatalf("activity status = %d", resp.StatusCode)
		}
		if body["totalResults"].(float64) >= 1 {
			row := body["logs"].([]any)[0].(map[string]any)
			if row["identifier"] != "audit@x.com" {
				t.Errorf("identifier = %v", row["identifier"])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("audit row never appeared")
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestAuditCapturesBodiesByDefault(t *testing.T) {
	s := newTestServer(t)

	// Payload logging stays off; the audit record still gets bodies.
	if s.log.IncludePayloads() {
		t.Fatal("fixture must run with payload logging off")
	}

	body := userBody("secretive@x.com")
	body["password"] = "hunter2"
	if resp, _ := s.do(t, "POST", "/scim/v2/Users", body, nil); resp.StatusCode != 201 {
		t.Fatal("create failed")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rows, _, err := s.store.ListRequestLogs(context.Background(), store.RequestLogQuery{Method: "POST"})
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) >= 1 {
			row := rows[0]
			if row.RequestBody == "" {
				t.Fatal("request body not captured")
			}
			if !strings.Contains(row.RequestBody, "secretive@x.com") {
				t.Errorf("request body = %q", row.RequestBody)
			}
			if strings.Contains(row.RequestBody, "hunter2") {
				t.Error("password value survived redaction")
			}
			if !strings.Contains(row.RequestBody, logging.Redacted) {
				t.Errorf("request body = %q, want redaction marker", row.RequestBody)
			}
			if row.ResponseBody == "" {
				t.Error("response body not captured")
			}
			// Identifier derivation reads the captured body.
			if !row.Identifier.Valid || row.Identifier.String != "secretive@x.com" {
				t.Errorf("identifier = %v", row.Identifier)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("audit row never appeared")
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestLogStreamEchoesRequestIDFilter(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest("GET", s.ts.URL+"/scim/admin/log-config/stream?requestId=req-42", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testSecret)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	deadline := time.After(3 * time.Second)
	frame := make(chan string, 1)
	go func() {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				frame <- strings.TrimPrefix(line, "data: ")
				return
			}
		}
	}()
	select {
	case connected := <-frame:
		if !strings.Contains(connected, `"requestId":"req-42"`) {
			t.Errorf("connected frame = %s", connected)
		}
	case <-deadline:
		t.Fatal("no connected event")
	}
}

func TestVersionMasksSecrets(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, "GET", "/scim/admin/version", nil, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	authInfo := body["auth"].(map[string]any)
	for key, v := range authInfo {
		if str, ok := v.(string); ok && str != "" && str != "[REDACTED]" {
			t.Errorf("auth.%s leaked: %q", key, str)
		}
	}
	if body["storage"] != "sqlite" {
		t.Errorf("storage = %v", body["storage"])
	}
}

func TestSearchEndpoint(t *testing.T) {
	s := newTestServer(t)
	for _, name := range []string{"sa@x.com", "sb@x.com"} {
		if resp, _ := s.do(t, "POST", "/scim/v2/Users", userBody(name), nil); resp.StatusCode != 201 {
			t.Fatal("create failed")
		}
	}
	resp, lr := s.do(t, "POST", "/scim/v2/Users/.search", map[string]any{
		"schemas": []string{"urn:ietf:params:scim:api:messages:2.0:SearchRequest"},
		"filter":  `userName eq "sb@x.com"`,
	}, nil)
	if resp.StatusCode != 200 || lr["totalResults"] != float64(1) {
		t.Fatalf("search = %d %v", resp.StatusCode, lr)
	}
}

func TestAttributeProjection(t *testing.T) {
	s := newTestServer(t)
	body := userBody("proj@x.com")
	body["displayName"] = "Projector"
	_, created := s.do(t, "POST", "/scim/v2/Users", body, nil)
	id := created["id"].(string)

	_, got := s.do(t, "GET", "/scim/v2/Users/"+id+"?attributes=userName", nil, nil)
	if got["userName"] != "proj@x.com" {
		t.Errorf("userName missing: %v", got)
	}
	if _, ok := got["displayName"]; ok {
		t.Errorf("displayName should be projected away: %v", got)
	}
	// id, schemas, meta are always returned.
	for _, key := range []string{"id", "schemas", "meta"} {
		if _, ok := got[key]; !ok {
			t.Errorf("%s missing from projected resource", key)
		}
	}
}
