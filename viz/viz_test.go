package viz

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/iacfabric/iac"
	"github.com/iacfabric/iac/netmodel"
)

func TestHandleDataServesSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := NewServer(dir, nil)

	m := netmodel.New()
	m.BindSelf(1)
	if err := m.AddEndpoint(netmodel.Endpoint{ID: 1, Name: "ep1"}); err != nil {
		t.Fatal(err)
	}
	s.AddNetwork("n1", m)

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	n1, ok := snap.Networks["n1"]
	if !ok {
		t.Fatal("missing network n1")
	}
	if n1.SelfID != iac.NodeID(1) {
		t.Fatalf("self id = %v", n1.SelfID)
	}
	if len(n1.Endpoints) != 1 || n1.Endpoints[0].ID != 1 {
		t.Fatalf("endpoints = %+v", n1.Endpoints)
	}
}

func TestHandleStaticServesIndex(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/index.html", []byte("<html></html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewServer(dir, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "<html></html>" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestPushIfModifiedNoOpWhenClean(t *testing.T) {
	s := NewServer(t.TempDir(), nil)
	m := netmodel.New()
	m.BindSelf(1)
	m.ClearModified()
	s.AddNetwork("n1", m)

	// Should not panic and should be a no-op with zero connected clients.
	s.PushIfModified()
}
