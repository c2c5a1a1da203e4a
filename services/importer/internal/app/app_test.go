package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rosterhub/pkg/cache"
	"rosterhub/pkg/domain"
	"rosterhub/pkg/importer"
	"rosterhub/pkg/mail"
	"rosterhub/pkg/queue"
	"rosterhub/pkg/storage"
	"rosterhub/pkg/store"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (m *recordingMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fixture struct {
	app    *App
	queue  *queue.MemoryJobQueue
	blobs  *storage.FileStore
	dir    string
	store  *store.MemoryStore
	mailer *recordingMailer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	blobs, err := storage.NewFileStore(dir)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	memStore := store.NewMemoryStore()
	if err := memStore.SaveUser(context.Background(), domain.User{ID: "u1", Name: "Owner", Email: "owner@example.com"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	mailer := &recordingMailer{}
	job, err := importer.NewJob(importer.JobConfig{
		Importer: importer.NewImporter(memStore, 0),
		Blobs:    blobs,
		Cache:    cache.NewMemoryCache(),
		Notifier: importer.NewMailNotifier(memStore, mailer),
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	q := queue.NewMemoryJobQueue(10)
	a, err := New(Config{Queue: q, Job: job, Blobs: blobs, Concurrency: 1, UploadMaxAge: time.Hour})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return fixture{app: a, queue: q, blobs: blobs, dir: dir, store: memStore, mailer: mailer}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected missing queue to fail")
	}
	if _, err := New(Config{Queue: queue.NewMemoryJobQueue(1)}); err == nil {
		t.Fatalf("expected missing job to fail")
	}
}

func TestRunProcessesQueuedImports(t *testing.T) {
	f := newFixture(t)
	key := storage.ImportKey("job-1", "equipe.csv")
	csv := "name,email,cpf,city,state\n" +
		"Ana,ana@example.com,12345678901,Recife,PE\n" +
		"Bia,bia@example.com,12345678902,Natal,RN\n"
	if err := f.blobs.Put(context.Background(), key, bytes.NewReader([]byte(csv)), int64(len(csv)), "text/csv"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := f.queue.Enqueue(context.Background(), domain.ImportJob{
		ID: "job-1", OwnerID: "u1", FileKey: key, OriginalName: "equipe.csv", MimeType: "text/csv",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	var job domain.ImportJob
	for time.Now().Before(deadline) {
		var err error
		job, err = f.app.GetJob(context.Background(), "job-1")
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}

	if job.Status != domain.ImportSucceeded || job.Imported != 2 {
		t.Fatalf("expected 2 imported rows, got %+v", job)
	}
	list, _ := f.store.ListCollaboratorsByOwner(context.Background(), "u1")
	if len(list) != 2 {
		t.Fatalf("expected 2 collaborators, got %d", len(list))
	}
	if f.mailer.count() != 1 {
		t.Fatalf("expected one notification, got %d", f.mailer.count())
	}
	if _, err := os.Stat(filepath.Join(f.dir, filepath.FromSlash(key))); !os.IsNotExist(err) {
		t.Fatalf("expected upload removed, stat err %v", err)
	}
}

func TestRunRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	f.app.schedule = "not a schedule"
	if err := f.app.Run(context.Background()); err == nil {
		t.Fatalf("expected invalid schedule to fail")
	}
}

func TestSweepUploadsRemovesStaleFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	oldKey := storage.ImportKey("old", "a.csv")
	freshKey := storage.ImportKey("fresh", "b.csv")
	for _, key := range []string{oldKey, freshKey} {
		if err := f.blobs.Put(ctx, key, bytes.NewReader([]byte("x")), 1, "text/csv"); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(filepath.Join(f.dir, filepath.FromSlash(oldKey)), stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := f.app.SweepUploads(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(f.dir, filepath.FromSlash(freshKey))); err != nil {
		t.Fatalf("fresh upload should remain: %v", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.app.GetJob(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := f.app.GetJob(context.Background(), " "); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for blank id, got %v", err)
	}
}
