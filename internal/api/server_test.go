package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/cook/internal/catalog"
	"github.com/seantiz/cook/internal/engine"
	"github.com/seantiz/cook/internal/model"
	"github.com/seantiz/cook/internal/recipe"
	"github.com/seantiz/cook/internal/registry"
	"github.com/seantiz/cook/internal/schema"
	"github.com/seantiz/cook/internal/tool"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	v := schema.NewValidator()

	reg, err := registry.NewFromCatalog(v, map[string]tool.Config{}, tool.StaticSampler(0), logger)
	if err != nil {
		t.Fatalf("NewFromCatalog: %v", err)
	}
	lib := recipe.NewLibrary(v)
	if err := lib.Add(&model.Recipe{
		ID:              "dummy-recipe",
		Name:            "dummy",
		Version:         "1.0",
		Start:           "dummy",
		ParameterSchema: `{outcome?: "success" | "failure", duration?: number & >=0}`,
		Steps: map[string]*model.Step{
			"dummy": {
				Task: catalog.DummyType,
				Parameters: map[string]any{
					"outcome":  "${firstTrue(input.outcome, 'success')}",
					"duration": "${firstTrue(input.duration, 0)}",
				},
				Success: model.StepSuccess,
				Failure: model.StepFailure,
			},
		},
	}); err != nil {
		t.Fatalf("add recipe: %v", err)
	}

	mgr, err := engine.NewManager(engine.Config{
		WorkDir: t.TempDir(),
		Clients: []string{"c1", "c2"},
	}, reg, lib, v, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return NewServer(":0", mgr, logger)
}

func TestJobsRequireClientHeader(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs")
	if err != nil {
		t.Fatalf("GET /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRoutesOutsideJobsNeedNoClient(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/v1/state", "/v1/recipes", "/v1/tools"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestCORSAllowsClientHeader(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/jobs", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", ClientHeader)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Headers"); !strings.EqualFold(v, ClientHeader) {
		t.Errorf("Access-Control-Allow-Headers = %q, want %q", v, ClientHeader)
	}
}
