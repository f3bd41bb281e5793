package shareproxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) (*Registry, *httptest.Server) {
	t.Helper()
	registry := NewRegistry(t.TempDir())
	srv := httptest.NewServer(Handler(registry))
	t.Cleanup(srv.Close)
	return registry, srv
}

func registerShare(t *testing.T, relayURL, token, origin string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"token":        token,
		"origin_url":   origin,
		"owner_wallet": "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	})
	resp, err := http.Post(relayURL+"/api/drive/relay-register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("register request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register returned %d", resp.StatusCode)
	}
}

func TestRegisterAndProxy(t *testing.T) {
	// The share owner's local server.
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/drive/tok1":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<h1>my site</h1>")
		case "/drive/tok1/files/report.pdf":
			if r.URL.RawQuery != "download=1" {
				t.Errorf("query not preserved: %q", r.URL.RawQuery)
			}
			w.Header().Set("Content-Type", "application/pdf")
			w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
			fmt.Fprint(w, "%PDF-fake")
		default:
			http.NotFound(w, r)
		}
	}))
	defer origin.Close()

	_, relay := newTestServer(t)
	registerShare(t, relay.URL, "tok1", origin.URL)

	// Root of the share.
	resp, err := http.Get(relay.URL + "/drive/tok1")
	if err != nil {
		t.Fatalf("proxy request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html" {
		t.Errorf("Content-Type = %q", ct)
	}

	// Subpath with query parameters and passthrough headers.
	resp2, err := http.Get(relay.URL + "/drive/tok1/files/report.pdf?download=1")
	if err != nil {
		t.Fatalf("proxy request failed: %v", err)
	}
	defer resp2.Body.Close()
	if cd := resp2.Header.Get("Content-Disposition"); !strings.Contains(cd, "report.pdf") {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestUnknownTokenIs404(t *testing.T) {
	_, relay := newTestServer(t)
	resp, err := http.Get(relay.URL + "/drive/nope")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestOfflineOwnerRenders503(t *testing.T) {
	_, relay := newTestServer(t)
	// Origin that is not listening.
	registerShare(t, relay.URL, "tok-gone", "http://127.0.0.1:1")

	resp, err := http.Get(relay.URL + "/drive/tok-gone")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "offline") {
		t.Error("offline page not rendered")
	}
}

func TestUnregister(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer origin.Close()

	registry, relay := newTestServer(t)
	registerShare(t, relay.URL, "tok2", origin.URL)
	if registry.Len() != 1 {
		t.Fatalf("registry size = %d", registry.Len())
	}

	req, _ := http.NewRequest(http.MethodDelete, relay.URL+"/api/drive/relay-register/tok2", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if registry.Len() != 0 {
		t.Error("share not removed")
	}

	// Deleting again is a 404.
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp2.StatusCode)
	}
}

func TestRegistryPersistence(t *testing.T) {
	dir := t.TempDir()
	registry := NewRegistry(dir)
	if err := registry.Register(Registration{
		Token:       "persist-me",
		OriginURL:   "http://127.0.0.1:5173",
		OwnerWallet: "0xabc",
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	reopened := NewRegistry(dir)
	if err := reopened.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	reg, ok := reopened.Lookup("persist-me")
	if !ok || reg.OriginURL != "http://127.0.0.1:5173" {
		t.Errorf("Lookup after reload = (%+v, %v)", reg, ok)
	}
}

func TestRegisterValidation(t *testing.T) {
	registry := NewRegistry(t.TempDir())
	if err := registry.Register(Registration{Token: "", OriginURL: "http://x"}); err == nil {
		t.Error("empty token accepted")
	}
	if err := registry.Register(Registration{Token: "t", OriginURL: ""}); err == nil {
		t.Error("empty origin accepted")
	}
}
