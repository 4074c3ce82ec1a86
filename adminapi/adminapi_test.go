package adminapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

type fakeNode struct {
	depth     int
	versions  []string
	openJoins int
	stats     *orchestratorStats
}

func (f *fakeNode) QueueDepth() int                    { return f.depth }
func (f *fakeNode) OperationStats() *orchestratorStats { return f.stats }
func (f *fakeNode) CommittedVersions() []string        { return f.versions }
func (f *fakeNode) OpenJoinCount() int                 { return f.openJoins }

func TestHealthzReportsOK(t *testing.T) {
	s := New(&fakeNode{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", body["status"])
	}
}

func TestRulestoreVersionsReturnsNodeData(t *testing.T) {
	node := &fakeNode{versions: []string{"v1", "v2"}}
	s := New(node)
	req := httptest.NewRequest(http.MethodGet, "/rulestore/versions", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	var body struct {
		Versions []string `json:"versions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Versions) != 2 || body.Versions[0] != "v1" {
		t.Fatalf("versions = %v, want [v1 v2]", body.Versions)
	}
}

func TestQueueStatsReturnsDepthAndStats(t *testing.T) {
	node := &fakeNode{
		depth: 7,
		stats: &orchestratorStats{TotalOperations: 3, ByStatus: map[string]int{"ok": 3}},
	}
	s := New(node)
	req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	var body struct {
		Depth int                `json:"depth"`
		Stats *orchestratorStats `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Depth != 7 {
		t.Fatalf("depth = %d, want 7", body.Depth)
	}
	if body.Stats == nil || body.Stats.TotalOperations != 3 {
		t.Fatalf("stats = %+v, want TotalOperations 3", body.Stats)
	}
}

func TestForkJoinStatsReturnsOpenCount(t *testing.T) {
	node := &fakeNode{openJoins: 2}
	s := New(node)
	req := httptest.NewRequest(http.MethodGet, "/forkjoin/stats", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	var body struct {
		OpenJoins int `json:"openJoins"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.OpenJoins != 2 {
		t.Fatalf("openJoins = %d, want 2", body.OpenJoins)
	}
}

func TestBasicAuthRejectsMissingCredentials(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	s := New(&fakeNode{})
	WithBasicAuth(s.Echo(), BasicAuthConfig{Username: "admin", PasswordHash: string(hash)})

	req := httptest.NewRequest(http.MethodGet, "/rulestore/versions", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestBasicAuthAcceptsValidCredentials(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	s := New(&fakeNode{versions: []string{"v1"}})
	WithBasicAuth(s.Echo(), BasicAuthConfig{Username: "admin", PasswordHash: string(hash)})

	req := httptest.NewRequest(http.MethodGet, "/rulestore/versions", nil)
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:s3cret")))
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestBasicAuthSkipsHealthz(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	s := New(&fakeNode{})
	WithBasicAuth(s.Echo(), BasicAuthConfig{Username: "admin", PasswordHash: string(hash)})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
