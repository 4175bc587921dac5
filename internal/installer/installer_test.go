package installer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shotline/server/internal/client"
	"github.com/shotline/server/internal/jobstore"
	"github.com/shotline/server/internal/model"
)

type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	errors    []string
}

func (n *recordingNotifier) NotifyProgress(string, int, model.JobStatus, string) {}

func (n *recordingNotifier) NotifyComplete(jobID string, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, jobID)
}

func (n *recordingNotifier) NotifyError(jobID string, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, jobID)
}

func (n *recordingNotifier) completedIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.completed...)
}

type testCore struct {
	core     *Core
	store    *jobstore.MemoryStore
	notifier *recordingNotifier
	root     string
	depsDir  string
}

func newTestCore(t *testing.T) *testCore {
	t.Helper()

	store := jobstore.NewMemoryStore()
	notifier := &recordingNotifier{}
	root := t.TempDir()
	depsDir := filepath.Join(t.TempDir(), "dependency_packages")
	installersDir := filepath.Join(t.TempDir(), "installers")

	gate, err := NewVersionGate("1.3.2")
	if err != nil {
		t.Fatalf("NewVersionGate: %v", err)
	}

	core := NewCore(
		store,
		client.NewFetcher(5*time.Second),
		gate,
		NewDeployer(root, 2),
		notifier,
		depsDir,
		installersDir,
	)
	return &testCore{core: core, store: store, notifier: notifier, root: root, depsDir: depsDir}
}

// serveArchive returns a test server handing out the given zip file.
func serveArchive(t *testing.T, zipPath string) *httptest.Server {
	t.Helper()

	content, err := os.ReadFile(zipPath)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write(content)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestProcessEvent_InstallAddonFromURL(t *testing.T) {
	env := newTestCore(t)
	ctx := context.Background()

	archive := makeZip(t, map[string]string{
		"manifest.json":     `{"addon_name": "sample-addon", "addon_version": "2.3.1", "required_ayon_version": ">=1.0.0,<2.0.0"}`,
		"addon/":            "",
		"addon/__init__.py": "pass",
	})
	server := serveArchive(t, archive)

	job, err := env.store.Create(ctx, model.TopicAddonInstallFromURL,
		model.JobSummary{URL: server.URL + "/sample-addon.zip"},
		"Installing addon from URL", "admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := env.core.ProcessEvent(ctx, job.ID); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	got, err := env.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.JobStatusFinished {
		t.Errorf("status = %s, want finished", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if got.Summary.AddonName != "sample-addon" || got.Summary.AddonVersion != "2.3.1" {
		t.Errorf("summary identity = %s %s", got.Summary.AddonName, got.Summary.AddonVersion)
	}
	// URL from the original summary must survive the mid-install merge.
	if got.Summary.URL == "" {
		t.Error("summary lost the source URL")
	}

	if _, err := os.Stat(filepath.Join(env.root, "sample-addon", "2.3.1", "__init__.py")); err != nil {
		t.Errorf("addon not deployed: %v", err)
	}
	if !env.core.RestartNeeded() {
		t.Error("addon install should flag a pending restart")
	}
	if ids := env.notifier.completedIDs(); len(ids) != 1 || ids[0] != job.ID {
		t.Errorf("expected one completion for %s, got %v", job.ID, ids)
	}

	// Downloaded temp archives must not accumulate in the addon root.
	leftovers, _ := filepath.Glob(filepath.Join(env.root, "addon-*.zip"))
	if len(leftovers) != 0 {
		t.Errorf("temp archives left behind: %v", leftovers)
	}
}

func TestProcessEvent_IncompatibleAddonFails(t *testing.T) {
	env := newTestCore(t)
	ctx := context.Background()

	archive := makeZip(t, map[string]string{
		"manifest.json": `{"addon_name": "future-addon", "addon_version": "1.0.0", "required_ayon_version": ">=9.0.0"}`,
		"addon/":        "",
		"addon/a.py":    "pass",
	})
	server := serveArchive(t, archive)

	job, err := env.store.Create(ctx, model.TopicAddonInstallFromURL,
		model.JobSummary{URL: server.URL}, "Installing addon from URL", "admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := env.core.ProcessEvent(ctx, job.ID); !errors.Is(err, ErrIncompatibleVersion) {
		t.Fatalf("expected ErrIncompatibleVersion, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.root, "future-addon")); !os.IsNotExist(err) {
		t.Error("incompatible addon must not reach the addon tree")
	}
	if env.core.RestartNeeded() {
		t.Error("failed install must not flag a restart")
	}
}

func TestProcessEvent_DownloadDependencyPackage(t *testing.T) {
	env := newTestCore(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="bundle-1.0.0.zip"`)
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	job, err := env.store.Create(ctx, model.TopicDependencyPackageFromURL,
		model.JobSummary{URL: server.URL + "/some/path"}, "Downloading dependency package", "admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := env.core.ProcessEvent(ctx, job.ID); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	got, _ := env.store.Get(ctx, job.ID)
	if got.Status != model.JobStatusFinished {
		t.Errorf("status = %s, want finished", got.Status)
	}
	if got.Summary.Filename != "bundle-1.0.0.zip" {
		t.Errorf("filename = %q, want bundle-1.0.0.zip", got.Summary.Filename)
	}
	if _, err := os.Stat(filepath.Join(env.depsDir, "bundle-1.0.0.zip")); err != nil {
		t.Errorf("dependency package not downloaded: %v", err)
	}
	if env.core.RestartNeeded() {
		t.Error("package downloads must not flag a restart")
	}
}

func TestProcessEvent_MissingJobIsSkipped(t *testing.T) {
	env := newTestCore(t)

	if err := env.core.ProcessEvent(context.Background(), "no-such-job"); err != nil {
		t.Fatalf("missing job must be skipped, got %v", err)
	}
}

func TestProcessEvent_UnknownTopic(t *testing.T) {
	env := newTestCore(t)
	ctx := context.Background()

	job, err := env.store.Create(ctx, "render.finish", model.JobSummary{}, "bogus", "admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := env.core.ProcessEvent(ctx, job.ID); err == nil {
		t.Fatal("expected error for unknown topic")
	}
}

func TestRetryCap(t *testing.T) {
	env := newTestCore(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	job, err := env.store.Create(ctx, model.TopicAddonInstallFromURL,
		model.JobSummary{URL: server.URL}, "Installing addon from URL", "admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Initial attempt plus MaxRetries re-attempts all fail and are requeued.
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		err := env.core.ProcessEvent(ctx, job.ID)
		if err == nil {
			t.Fatalf("attempt %d: expected failure", attempt)
		}
		env.core.handleFailure(ctx, job.ID, err)

		got, _ := env.store.Get(ctx, job.ID)
		if got.Retries != attempt+1 {
			t.Fatalf("attempt %d: retries = %d, want %d", attempt, got.Retries, attempt+1)
		}
		if got.Status != model.JobStatusFailed {
			t.Fatalf("attempt %d: status = %s, want failed", attempt, got.Status)
		}

		// Each failure requeues the job for the next attempt.
		select {
		case id := <-env.core.queue:
			if id != job.ID {
				t.Fatalf("attempt %d: requeued %s, want %s", attempt, id, job.ID)
			}
		default:
			t.Fatalf("attempt %d: job was not requeued", attempt)
		}
	}

	// The next pass over the queue abandons the job without touching it.
	before, _ := env.store.Get(ctx, job.ID)
	err = env.core.ProcessEvent(ctx, job.ID)
	if !errors.Is(err, ErrTooManyRetries) {
		t.Fatalf("expected ErrTooManyRetries, got %v", err)
	}
	env.core.handleFailure(ctx, job.ID, err)

	after, _ := env.store.Get(ctx, job.ID)
	if after.Retries != before.Retries {
		t.Errorf("abandonment must not consume another retry: %d -> %d", before.Retries, after.Retries)
	}
	select {
	case id := <-env.core.queue:
		t.Errorf("abandoned job was requeued: %s", id)
	default:
	}
}

func TestRecovery_OrderAndIdempotence(t *testing.T) {
	env := newTestCore(t)
	ctx := context.Background()

	first, _ := env.store.Create(ctx, model.TopicAddonInstallFromURL,
		model.JobSummary{URL: "http://example.invalid/a.zip"}, "a", "admin")
	second, _ := env.store.Create(ctx, model.TopicInstallerFromURL,
		model.JobSummary{URL: "http://example.invalid/b.exe"}, "b", "admin")
	done, _ := env.store.Create(ctx, model.TopicDependencyPackageFromURL,
		model.JobSummary{URL: "http://example.invalid/c.zip"}, "c", "admin")
	env.store.Update(ctx, done.ID, jobstore.Patch{Status: jobstore.StatusPatch(model.JobStatusFinished)})
	env.store.Create(ctx, "render.finish", model.JobSummary{}, "unrelated", "admin")

	want := []string{first.ID, second.ID}

	// Recovery is idempotent: running it twice enqueues the same unfinished
	// jobs in the same creation order both times.
	for round := 0; round < 2; round++ {
		if err := env.core.recover(ctx); err != nil {
			t.Fatalf("round %d: recover: %v", round, err)
		}
		for i, wantID := range want {
			select {
			case id := <-env.core.queue:
				if id != wantID {
					t.Errorf("round %d: position %d: got %s, want %s", round, i, id, wantID)
				}
			default:
				t.Fatalf("round %d: queue exhausted at position %d", round, i)
			}
		}
		select {
		case id := <-env.core.queue:
			t.Errorf("round %d: unexpected extra job %s", round, id)
		default:
		}
	}
}

func TestRun_ConsumesEnqueuedJobs(t *testing.T) {
	env := newTestCore(t)

	archive := makeZip(t, map[string]string{
		"package.yaml": "name: loop-addon\nversion: 0.1.0\n",
		"main.py":      "pass",
	})
	server := serveArchive(t, archive)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := env.store.Create(ctx, model.TopicAddonInstallFromURL,
		model.JobSummary{URL: server.URL + "/loop-addon.zip"}, "Installing addon from URL", "admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- env.core.Run(ctx) }()

	env.core.Enqueue(job.ID)

	deadline := time.After(10 * time.Second)
	for {
		got, err := env.store.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status == model.JobStatusFinished {
			break
		}
		if got.Status == model.JobStatusFailed {
			t.Fatalf("job failed: %s", got.Description)
		}
		select {
		case <-deadline:
			t.Fatalf("job did not finish, last status %s", got.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-runDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Error("Run did not stop after cancellation")
	}

	if _, err := os.Stat(filepath.Join(env.root, "loop-addon", "0.1.0", "main.py")); err != nil {
		t.Errorf("addon not deployed: %v", err)
	}
}
