package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"rosterhub/pkg/cache"
	"rosterhub/pkg/domain"
	"rosterhub/pkg/mail"
	"rosterhub/pkg/storage"
	"rosterhub/pkg/store"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.events, " ")
}

type loggedBlobs struct {
	log      *eventLog
	files    map[string]string
	fetchErr error
}

func (b *loggedBlobs) Fetch(_ context.Context, key string) (string, func(), error) {
	b.log.add("fetch")
	if b.fetchErr != nil {
		return "", nil, b.fetchErr
	}
	return b.files[key], func() { b.log.add("release") }, nil
}

func (b *loggedBlobs) Delete(_ context.Context, key string) error {
	b.log.add("delete")
	return os.Remove(b.files[key])
}

type loggedCache struct{ log *eventLog }

func (c loggedCache) Forget(_ context.Context, userID string) error {
	c.log.add("forget:%s", userID)
	return nil
}

type loggedNotifier struct{ log *eventLog }

func (n loggedNotifier) ImportSucceeded(_ context.Context, _, fileName string, imported int) error {
	n.log.add("succeeded:%s:%d", fileName, imported)
	return nil
}

func (n loggedNotifier) ImportFailed(_ context.Context, _, fileName, _ string) error {
	n.log.add("failed:%s", fileName)
	return nil
}

type loggedRepo struct {
	log *eventLog
	err error
}

func (r loggedRepo) CreateCollaborators(_ context.Context, cs []domain.Collaborator) error {
	r.log.add("insert:%d", len(cs))
	return r.err
}

func newLoggedJob(t *testing.T, log *eventLog, repo CollaboratorRepository, content string) (*Job, *loggedBlobs, string) {
	t.Helper()
	path := writeSheet(t, "team.csv", content)
	blobs := &loggedBlobs{log: log, files: map[string]string{"imports/job-1/team.csv": path}}
	job, err := NewJob(JobConfig{
		Importer: NewImporter(repo, 1000),
		Blobs:    blobs,
		Cache:    loggedCache{log: log},
		Notifier: loggedNotifier{log: log},
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return job, blobs, path
}

func testRequest() Request {
	return Request{JobID: "job-1", OwnerID: "owner-1", FileKey: "imports/job-1/team.csv", OriginalName: "team.csv", MimeType: "text/csv"}
}

func TestJobSuccessOrdering(t *testing.T) {
	log := &eventLog{}
	job, _, path := newLoggedJob(t, log, loggedRepo{log: log}, rosterCSV(3))
	out := job.Run(context.Background(), testRequest())
	if out.Status != domain.ImportSucceeded || out.Err != nil || out.Imported != 3 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	want := "fetch insert:3 forget:owner-1 succeeded:team.csv:3 release delete"
	if got := log.String(); got != want {
		t.Fatalf("events = %q, want %q", got, want)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("upload should be removed: %v", err)
	}
}

func TestJobFailureSkipsCacheAndStillCleansUp(t *testing.T) {
	log := &eventLog{}
	job, _, path := newLoggedJob(t, log, loggedRepo{log: log}, "")
	out := job.Run(context.Background(), testRequest())
	if out.Status != domain.ImportFailed || out.Kind != KindParse {
		t.Fatalf("unexpected outcome %+v", out)
	}
	want := "fetch failed:team.csv release delete"
	if got := log.String(); got != want {
		t.Fatalf("events = %q, want %q", got, want)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("upload should be removed: %v", err)
	}
}

func TestJobFetchFailure(t *testing.T) {
	log := &eventLog{}
	job, blobs, _ := newLoggedJob(t, log, loggedRepo{log: log}, rosterCSV(1))
	blobs.fetchErr = errors.New("bucket unavailable")
	out := job.Run(context.Background(), testRequest())
	if out.Kind != KindInfrastructure {
		t.Fatalf("expected infrastructure failure, got %+v", out)
	}
	if got, want := log.String(), "fetch failed:team.csv delete"; got != want {
		t.Fatalf("events = %q, want %q", got, want)
	}
}

func TestJobConflictKind(t *testing.T) {
	log := &eventLog{}
	repo := loggedRepo{log: log, err: &domain.ConflictError{Field: "email", Value: "person1@example.com"}}
	job, _, _ := newLoggedJob(t, log, repo, rosterCSV(2))
	out := job.Run(context.Background(), testRequest())
	if out.Kind != KindConflict || out.Imported != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestJobAbandonedNotifiesAndRemovesUpload(t *testing.T) {
	log := &eventLog{}
	job, _, path := newLoggedJob(t, log, loggedRepo{log: log}, rosterCSV(1))
	req := testRequest()
	job.Abandoned(context.Background(), domain.ImportJob{
		ID:           req.JobID,
		OwnerID:      req.OwnerID,
		FileKey:      req.FileKey,
		OriginalName: req.OriginalName,
		MimeType:     req.MimeType,
	}, errors.New("worker stopped"))
	if got, want := log.String(), "failed:team.csv delete"; got != want {
		t.Fatalf("events = %q, want %q", got, want)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("upload should be removed: %v", err)
	}
}

type blockingRepo struct{}

func (blockingRepo) CreateCollaborators(ctx context.Context, _ []domain.Collaborator) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestJobTimeout(t *testing.T) {
	log := &eventLog{}
	path := writeSheet(t, "team.csv", rosterCSV(2))
	job, err := NewJob(JobConfig{
		Importer: NewImporter(blockingRepo{}, 1000),
		Blobs:    &loggedBlobs{log: log, files: map[string]string{"imports/job-1/team.csv": path}},
		Cache:    loggedCache{log: log},
		Notifier: loggedNotifier{log: log},
		Timeout:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	out := job.Run(context.Background(), testRequest())
	if out.Kind != KindTimeout || out.Status != domain.ImportFailed {
		t.Fatalf("expected timeout, got %+v", out)
	}
	if got, want := log.String(), "fetch failed:team.csv release delete"; got != want {
		t.Fatalf("events = %q, want %q", got, want)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{&domain.ParseError{Reason: "missing heading row"}, KindParse},
		{&RowError{Line: 2, Err: &domain.ConflictError{Field: "cpf"}}, KindConflict},
		{&RowError{Line: 2, Err: domain.NewValidationError()}, KindInvalidRow},
		{fmt.Errorf("run: %w", context.DeadlineExceeded), KindTimeout},
		{domain.Infra("insert collaborators", errors.New("down")), KindInfrastructure},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

type outbox struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (o *outbox) Send(_ context.Context, msg mail.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

type pipeline struct {
	store  *store.MemoryStore
	cache  *cache.MemoryCache
	blobs  *storage.FileStore
	outbox *outbox
	job    *Job
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	p := &pipeline{store: store.NewMemoryStore(), cache: cache.NewMemoryCache(), blobs: blobs, outbox: &outbox{}}
	p.job, err = NewJob(JobConfig{
		Importer: NewImporter(p.store, DefaultBatchSize),
		Blobs:    blobs,
		Cache:    p.cache,
		Notifier: NewMailNotifier(p.store, p.outbox),
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return p
}

func (p *pipeline) addUser(t *testing.T, id, email string) {
	t.Helper()
	if err := p.store.SaveUser(context.Background(), domain.User{ID: id, Name: "Owner " + id, Email: email}); err != nil {
		t.Fatalf("save user: %v", err)
	}
}

func (p *pipeline) upload(t *testing.T, owner, jobID, name, content string) Request {
	t.Helper()
	key := storage.ImportKey(jobID, name)
	if err := p.blobs.Put(context.Background(), key, strings.NewReader(content), int64(len(content)), "text/csv"); err != nil {
		t.Fatalf("put upload: %v", err)
	}
	return Request{JobID: jobID, OwnerID: owner, FileKey: key, OriginalName: name, MimeType: "text/csv"}
}

func (p *pipeline) list(t *testing.T, owner string) []domain.Collaborator {
	t.Helper()
	list, err := p.cache.Remember(context.Background(), owner, cache.DefaultTTL, func(ctx context.Context) ([]domain.Collaborator, error) {
		return p.store.ListCollaboratorsByOwner(ctx, owner)
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return list
}

func TestImportThreeRowsEndToEnd(t *testing.T) {
	p := newPipeline(t)
	p.addUser(t, "u1", "owner@example.com")
	if got := p.list(t, "u1"); len(got) != 0 {
		t.Fatalf("expected empty cached list, got %d", len(got))
	}

	content := "name,email,cpf,city,state\n" +
		"Ana Souza,ana@example.com,11111111111,Recife,PE\n" +
		"Bruno Lima,bruno@example.com,22222222222,Natal,RN\n" +
		"Carla Dias,carla@example.com,33333333333,Salvador,BA\n"
	req := p.upload(t, "u1", "job-1", "equipe.csv", content)

	out := p.job.Run(context.Background(), req)
	if out.Status != domain.ImportSucceeded || out.Imported != 3 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	list := p.list(t, "u1")
	if len(list) != 3 {
		t.Fatalf("cache should have been forgotten, got %d rows", len(list))
	}
	if list[0].Name != "Ana Souza" || list[1].CPF != "22222222222" || list[2].State != "BA" || list[2].UserID != "u1" {
		t.Fatalf("unexpected rows %+v", list)
	}
	if len(p.outbox.sent) != 1 || p.outbox.sent[0].To != "owner@example.com" || p.outbox.sent[0].Subject != mail.SubjectImportSucceeded {
		t.Fatalf("unexpected mail %+v", p.outbox.sent)
	}
	if _, _, err := p.blobs.Fetch(context.Background(), req.FileKey); err == nil {
		t.Fatal("upload should be deleted")
	}
}

func TestImportCrossUserCPFConflictCommitsNothing(t *testing.T) {
	p := newPipeline(t)
	p.addUser(t, "u1", "owner@example.com")
	p.addUser(t, "u2", "other@example.com")
	existing := domain.Collaborator{ID: "c-1", UserID: "u2", Name: "Zeca", Email: "zeca@example.com", CPF: "22222222222", City: "Natal", State: "RN"}
	if err := p.store.CreateCollaborator(context.Background(), existing); err != nil {
		t.Fatalf("seed: %v", err)
	}

	content := "name,email,cpf,city,state\n" +
		"Ana Souza,ana@example.com,11111111111,Recife,PE\n" +
		"Bruno Lima,bruno@example.com,22222222222,Natal,RN\n" +
		"Carla Dias,carla@example.com,33333333333,Salvador,BA\n"
	req := p.upload(t, "u1", "job-2", "equipe.csv", content)

	out := p.job.Run(context.Background(), req)
	if out.Status != domain.ImportFailed || out.Kind != KindConflict {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := p.list(t, "u1"); len(got) != 0 {
		t.Fatalf("nothing from the batch may be committed, got %d", len(got))
	}
	if len(p.outbox.sent) != 1 || p.outbox.sent[0].Subject != mail.SubjectImportFailed || !strings.Contains(p.outbox.sent[0].HTML, "equipe.csv") {
		t.Fatalf("unexpected mail %+v", p.outbox.sent)
	}
	if _, _, err := p.blobs.Fetch(context.Background(), req.FileKey); err == nil {
		t.Fatal("upload should be deleted")
	}
}
