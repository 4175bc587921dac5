package handler

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/shotline/server/internal/client"
	"github.com/shotline/server/internal/installer"
	"github.com/shotline/server/internal/jobstore"
	"github.com/shotline/server/internal/middleware"
	"github.com/shotline/server/internal/model"
	"github.com/shotline/server/internal/service"
)

const testJWTSecret = "test-secret"

type testApp struct {
	app   *fiber.App
	store *jobstore.MemoryStore
	core  *installer.Core
	auth  *middleware.AuthMiddleware
}

// newTestApp wires the install API the way the server does, backed by the
// in-memory job store. The installer consumer loop is not running: requests
// only create job records.
func newTestApp(t *testing.T) *testApp {
	t.Helper()

	store := jobstore.NewMemoryStore()
	gate, err := installer.NewVersionGate("1.3.2")
	if err != nil {
		t.Fatalf("NewVersionGate: %v", err)
	}

	root := t.TempDir()
	core := installer.NewCore(
		store,
		client.NewFetcher(5*time.Second),
		gate,
		installer.NewDeployer(root, 1),
		nil,
		filepath.Join(root, "dependency_packages"),
		filepath.Join(root, "installers"),
	)
	svc := service.NewInstallService(store, core, gate, nil, root)

	v := validator.New()
	auth := middleware.NewAuthMiddleware(testJWTSecret)
	addonHandler := NewAddonHandler(svc, v, 32)
	packageHandler := NewPackageHandler(svc, v)
	jobHandler := NewJobHandler(svc)

	app := fiber.New()
	api := app.Group("/api", auth.Authenticate())
	api.Get("/addons", addonHandler.Deployed)
	api.Get("/addons/install", addonHandler.List)
	api.Post("/addons/install", middleware.RequireAdmin(), addonHandler.Install)
	api.Post("/dependency-packages/install", middleware.RequireAdmin(), packageHandler.InstallDependencyPackage)
	api.Post("/installers/install", middleware.RequireAdmin(), packageHandler.InstallInstaller)
	api.Get("/jobs/:jobId", jobHandler.Status)

	return &testApp{app: app, store: store, core: core, auth: auth}
}

func (ta *testApp) request(t *testing.T, method, path string, body io.Reader, admin bool) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := ta.auth.GenerateToken("tester", admin)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := ta.app.Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestInstallAddonFromURL(t *testing.T) {
	ta := newTestApp(t)

	resp := ta.request(t, "POST", "/api/addons/install?url=https://example.com/addon.zip", nil, true)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var created model.InstallResponse
	decodeBody(t, resp, &created)
	if created.JobID == "" {
		t.Fatal("no job id in response")
	}

	job, err := ta.store.Get(context.Background(), created.JobID)
	if err != nil {
		t.Fatalf("job record missing: %v", err)
	}
	if job.Topic != model.TopicAddonInstallFromURL {
		t.Errorf("topic = %s", job.Topic)
	}
	if job.Summary.URL != "https://example.com/addon.zip" {
		t.Errorf("summary url = %q", job.Summary.URL)
	}
	if job.User != "tester" {
		t.Errorf("user = %q", job.User)
	}
}

func TestInstallAddonFromURL_InvalidURL(t *testing.T) {
	ta := newTestApp(t)

	resp := ta.request(t, "POST", "/api/addons/install?url=not-a-url", nil, true)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestInstallAddonUpload(t *testing.T) {
	ta := newTestApp(t)

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	manifest, _ := zw.Create("manifest.json")
	manifest.Write([]byte(`{"addon_name": "uploaded", "addon_version": "1.0.0"}`))
	payload, _ := zw.Create("addon/main.py")
	payload.Write([]byte("pass"))
	zw.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "uploaded-1.0.0.zip")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(zipBuf.Bytes())
	mw.Close()

	req := httptest.NewRequest("POST", "/api/addons/install", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	token, _ := ta.auth.GenerateToken("tester", true)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := ta.app.Test(req, 5000)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var created model.InstallResponse
	decodeBody(t, resp, &created)

	job, err := ta.store.Get(context.Background(), created.JobID)
	if err != nil {
		t.Fatalf("job record missing: %v", err)
	}
	if job.Topic != model.TopicAddonInstall {
		t.Errorf("topic = %s", job.Topic)
	}
	if job.Summary.AddonName != "uploaded" || job.Summary.AddonVersion != "1.0.0" {
		t.Errorf("summary identity = %s %s", job.Summary.AddonName, job.Summary.AddonVersion)
	}
	if job.Summary.ZipPath == "" {
		t.Error("summary has no zip path")
	}
	os.Remove(job.Summary.ZipPath)
}

func TestInstallAddonUpload_UnsupportedArchive(t *testing.T) {
	ta := newTestApp(t)

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	member, _ := zw.Create("README.md")
	member.Write([]byte("not an addon"))
	zw.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", "junk.zip")
	part.Write(zipBuf.Bytes())
	mw.Close()

	req := httptest.NewRequest("POST", "/api/addons/install", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	token, _ := ta.auth.GenerateToken("tester", true)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := ta.app.Test(req, 5000)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestInstallRequiresAdmin(t *testing.T) {
	ta := newTestApp(t)

	resp := ta.request(t, "POST", "/api/addons/install?url=https://example.com/a.zip", nil, false)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestInstallRequiresAuth(t *testing.T) {
	ta := newTestApp(t)

	req := httptest.NewRequest("POST", "/api/addons/install?url=https://example.com/a.zip", nil)
	resp, err := ta.app.Test(req, 5000)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestInstallDependencyPackage(t *testing.T) {
	ta := newTestApp(t)

	body := strings.NewReader(`{"url": "https://example.com/bundle.zip"}`)
	resp := ta.request(t, "POST", "/api/dependency-packages/install", body, true)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var created model.InstallResponse
	decodeBody(t, resp, &created)

	job, err := ta.store.Get(context.Background(), created.JobID)
	if err != nil {
		t.Fatalf("job record missing: %v", err)
	}
	if job.Topic != model.TopicDependencyPackageFromURL {
		t.Errorf("topic = %s", job.Topic)
	}
}

func TestInstallInstaller_MissingURL(t *testing.T) {
	ta := newTestApp(t)

	resp := ta.request(t, "POST", "/api/installers/install", strings.NewReader(`{}`), true)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestJobStatus(t *testing.T) {
	ta := newTestApp(t)

	created := ta.request(t, "POST", "/api/addons/install?url=https://example.com/a.zip", nil, true)
	var install model.InstallResponse
	decodeBody(t, created, &install)

	resp := ta.request(t, "GET", fmt.Sprintf("/api/jobs/%s", install.JobID), nil, false)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var status model.JobStatusResponse
	decodeBody(t, resp, &status)
	if status.JobID != install.JobID {
		t.Errorf("jobId = %q, want %q", status.JobID, install.JobID)
	}
	if status.Status != model.JobStatusPending {
		t.Errorf("status = %s, want pending", status.Status)
	}
}

func TestJobStatus_Unknown(t *testing.T) {
	ta := newTestApp(t)

	resp := ta.request(t, "GET", "/api/jobs/does-not-exist", nil, false)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListInstallJobs(t *testing.T) {
	ta := newTestApp(t)

	for i := 0; i < 3; i++ {
		resp := ta.request(t, "POST",
			fmt.Sprintf("/api/addons/install?url=https://example.com/a%d.zip", i), nil, true)
		resp.Body.Close()
	}

	resp := ta.request(t, "GET", "/api/addons/install", nil, false)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var list model.InstallListResponse
	decodeBody(t, resp, &list)
	if len(list.Items) != 3 {
		t.Fatalf("got %d items, want 3", len(list.Items))
	}
	if list.RestartRequired {
		t.Error("restartRequired should be false before any install completes")
	}
	for i := 1; i < len(list.Items); i++ {
		if list.Items[i].CreatedAt < list.Items[i-1].CreatedAt {
			t.Error("items not ordered oldest first")
		}
	}
}
