package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"introbroker/internal/config"
	"introbroker/internal/draft"
	"introbroker/internal/email"
	"introbroker/internal/notify"
	"introbroker/internal/store"
	"introbroker/internal/workflow"
)

type fakeGenerator struct {
	mu         sync.Mutex
	calls      int
	generateFn func(context.Context, draft.Context) (string, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, in draft.Context) (string, error) {
	f.mu.Lock()
	f.calls++
	fn := f.generateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, in)
	}
	return "Hi " + in.TargetName + ", meet " + in.RequesterProfile.DisplayName + ".", nil
}

func (f *fakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sentMail struct {
	cred    store.MailCredential
	to      email.Address
	subject string
	body    string
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMail
	sendFn func(context.Context, store.MailCredential, email.Address, string, string) (email.Receipt, error)
}

func (f *fakeSender) Send(ctx context.Context, cred store.MailCredential, to email.Address, subject, body string) (email.Receipt, error) {
	if f.sendFn != nil {
		receipt, err := f.sendFn(ctx, cred, to, subject, body)
		if err != nil {
			return receipt, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{cred: cred, to: to, subject: subject, body: body})
	return email.Receipt{MessageID: "<msg@test>", Raw: []byte("Subject: " + subject + "\r\n\r\n" + body)}, nil
}

func (f *fakeSender) Sent() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

type fakeHistory struct {
	mu      sync.Mutex
	commits map[string][]store.CommitInfo
	texts   map[string][]string
}

func (f *fakeHistory) CommitDraft(connectionID, text, author, message string) (store.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commits == nil {
		f.commits = make(map[string][]store.CommitInfo)
		f.texts = make(map[string][]string)
	}
	info := store.CommitInfo{
		Hash:      "h" + string(rune('0'+len(f.commits[connectionID]))),
		Message:   message,
		Author:    author,
		CreatedAt: time.Now().UTC(),
	}
	f.commits[connectionID] = append([]store.CommitInfo{info}, f.commits[connectionID]...)
	f.texts[connectionID] = append(f.texts[connectionID], text)
	return info, nil
}

func (f *fakeHistory) History(connectionID string, limit int) ([]store.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.commits[connectionID]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return append([]store.CommitInfo{}, items...), nil
}

func (f *fakeHistory) Texts(connectionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts[connectionID]...)
}

type fakeArchive struct {
	mu    sync.Mutex
	puts  []string
	putFn func(context.Context, string, time.Time, []byte) (string, error)
}

func (f *fakeArchive) Put(ctx context.Context, connectionID string, sentAt time.Time, raw []byte) (string, error) {
	if f.putFn != nil {
		if _, err := f.putFn(ctx, connectionID, sentAt, raw); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, connectionID)
	return connectionID + "/object.eml", nil
}

func (f *fakeArchive) Puts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.puts...)
}

type fakeEnricher struct {
	mu        sync.Mutex
	scheduled []string
}

func (f *fakeEnricher) Schedule(connectionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, connectionID)
}

func (f *fakeEnricher) Scheduled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scheduled...)
}

// pingStore lets readiness tests fail the store ping.
type pingStore struct {
	*store.MemoryStore
	pingFn func(context.Context) error
}

func (p *pingStore) Ping(ctx context.Context) error {
	if p.pingFn != nil {
		return p.pingFn(ctx)
	}
	return nil
}

type harness struct {
	svc       *Service
	store     *pingStore
	bus       *notify.Bus
	generator *fakeGenerator
	sender    *fakeSender
	history   *fakeHistory
	archive   *fakeArchive
	enricher  *fakeEnricher

	admin     Session
	requester Session
	peer      Session
	outsider  Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemoryStore()
	h := &harness{
		store:     &pingStore{MemoryStore: mem},
		bus:       notify.NewBus(),
		generator: &fakeGenerator{},
		sender:    &fakeSender{},
		history:   &fakeHistory{},
		archive:   &fakeArchive{},
		enricher:  &fakeEnricher{},
	}
	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		Keepalive:  50 * time.Millisecond,
	}
	h.svc = New(cfg, Deps{
		Connections: h.store,
		Directory:   mem,
		Sessions:    mem,
		Bus:         h.bus,
		Drafts:      h.generator,
		Mail:        h.sender,
		History:     h.history,
		Archive:     h.archive,
		Enricher:    h.enricher,
	})
	t.Cleanup(h.svc.Drain)

	h.admin = h.user(t, "usr_admin", "Olivia Ops", "ops@example.com", "Platform Admin")
	h.requester = h.user(t, "usr_u1", "Ada Founder", "ada@example.com", "client")
	h.peer = h.user(t, "usr_u2", "Grace Partner", "grace@example.com", "client")
	h.outsider = h.user(t, "usr_u3", "Linus Other", "linus@example.com", "")
	return h
}

func (h *harness) user(t *testing.T, id, name, emailAddr, role string) Session {
	t.Helper()
	ctx := context.Background()
	user := store.User{ID: id, DisplayName: name, Email: emailAddr, Company: name + " Co", Role: role}
	if err := h.store.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
	session, err := h.svc.issueSession(ctx, user)
	if err != nil {
		t.Fatalf("issue session %s: %v", id, err)
	}
	return session
}

func (h *harness) peerConnection(t *testing.T) store.Connection {
	t.Helper()
	c, err := h.svc.CreateConnection(context.Background(), h.requester, workflow.CreateInput{
		ToUserID:    h.peer.UserID,
		ClientGoals: "Raise a seed round",
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return c
}

// advance runs the workflow up to and including the named step.
func (h *harness) advance(t *testing.T, id string, through string) store.Connection {
	t.Helper()
	ctx := context.Background()
	steps := []struct {
		name string
		run  func() (store.Connection, error)
	}{
		{"approve", func() (store.Connection, error) { return h.svc.AdminApprove(ctx, h.admin, id) }},
		{"draft", func() (store.Connection, error) { return h.svc.GenerateDraft(ctx, h.admin, id) }},
		{"client-approve", func() (store.Connection, error) { return h.svc.ClientApprove(ctx, h.requester, id) }},
		{"final-approve", func() (store.Connection, error) { return h.svc.FinalApprove(ctx, h.admin, id) }},
	}
	var c store.Connection
	for _, step := range steps {
		var err error
		c, err = step.run()
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if step.name == through {
			return c
		}
	}
	return c
}

func (h *harness) saveCredential(t *testing.T, session Session, expiresAt time.Time) {
	t.Helper()
	if _, err := h.svc.SaveMailCredential(context.Background(), session, MailCredentialInput{
		AccessToken: "ya29.token",
		ExpiresAt:   expiresAt,
	}); err != nil {
		t.Fatalf("save credential: %v", err)
	}
}

func expectKind(t *testing.T, err error, kind workflow.Kind) *workflow.Error {
	t.Helper()
	var flowErr *workflow.Error
	if !errors.As(err, &flowErr) || flowErr.Kind != kind {
		t.Fatalf("expected %s, got %v", kind, err)
	}
	return flowErr
}
