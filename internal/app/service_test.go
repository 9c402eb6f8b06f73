package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"introbroker/internal/draft"
	"introbroker/internal/email"
	"introbroker/internal/notify"
	"introbroker/internal/search"
	"introbroker/internal/store"
	"introbroker/internal/workflow"
)

func TestWorkflowHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	var events []notify.Event
	unsubscribe := h.bus.Subscribe("observer", func(e notify.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	defer unsubscribe()

	c := h.peerConnection(t)
	if c.Status != store.StatusPending {
		t.Fatalf("expected pending, got %s", c.Status)
	}
	if c.ToName != "Grace Partner" || c.FromName != "Ada Founder" || c.ToEmail != "grace@example.com" {
		t.Fatalf("contact snapshot missing: %+v", c)
	}

	statuses := []store.Status{c.Status}
	for _, step := range []func() (store.Connection, error){
		func() (store.Connection, error) { return h.svc.AdminApprove(ctx, h.admin, c.ID) },
		func() (store.Connection, error) { return h.svc.GenerateDraft(ctx, h.admin, c.ID) },
		func() (store.Connection, error) { return h.svc.ClientApprove(ctx, h.requester, c.ID) },
		func() (store.Connection, error) { return h.svc.FinalApprove(ctx, h.admin, c.ID) },
	} {
		next, err := step()
		if err != nil {
			t.Fatalf("step after %s: %v", statuses[len(statuses)-1], err)
		}
		statuses = append(statuses, next.Status)
	}

	h.saveCredential(t, h.requester, time.Now().Add(time.Hour))
	sent, err := h.svc.Send(ctx, h.requester, c.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	statuses = append(statuses, sent.Status)

	want := []store.Status{
		store.StatusPending,
		store.StatusAdminApproved,
		store.StatusDraftGenerated,
		store.StatusClientApproved,
		store.StatusApproved,
		store.StatusEmailSent,
	}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Fatalf("status progression = %v, want %v", statuses, want)
	}
	if sent.EmailSentAt == nil || sent.EmailStatus != "sent" || sent.LastSentMessage != sent.DraftMessage {
		t.Fatalf("delivery fields not set: %+v", sent)
	}
	if !sent.DraftLocked || !sent.ClientApproved || !sent.AdminFinalApproved {
		t.Fatalf("gates not set: %+v", sent)
	}

	mails := h.sender.Sent()
	if len(mails) != 1 {
		t.Fatalf("expected one mail, got %d", len(mails))
	}
	if mails[0].to.Email != "grace@example.com" || mails[0].subject != "Introduction: Ada Founder <> Grace Partner" {
		t.Fatalf("unexpected mail: %+v", mails[0])
	}
	if mails[0].cred.Email != "ada@example.com" || mails[0].body != sent.DraftMessage {
		t.Fatalf("mail sent with wrong credential or body: %+v", mails[0])
	}

	h.svc.Drain()
	if puts := h.archive.Puts(); len(puts) != 1 || puts[0] != c.ID {
		t.Fatalf("expected archived message, got %v", puts)
	}
	if texts := h.history.Texts(c.ID); len(texts) != 1 || texts[0] != sent.DraftMessage {
		t.Fatalf("expected one draft revision, got %v", texts)
	}

	mu.Lock()
	defer mu.Unlock()
	var types []workflow.EventType
	for _, e := range events {
		if e.ConnectionID != c.ID || e.Connection == nil {
			t.Fatalf("event without snapshot: %+v", e)
		}
		types = append(types, e.Type)
	}
	wantTypes := []workflow.EventType{
		workflow.EventConnectionCreated,
		workflow.EventAdminApproved,
		workflow.EventDraftGenerated,
		workflow.EventClientApproved,
		workflow.EventFinalApproved,
		workflow.EventEmailSent,
	}
	if fmt.Sprint(types) != fmt.Sprint(wantTypes) {
		t.Fatalf("events = %v, want %v", types, wantTypes)
	}
	if events[len(events)-1].ActorID != h.requester.UserID {
		t.Fatalf("expected requester as actor, got %q", events[len(events)-1].ActorID)
	}
}

func TestClientApproveBeforeDraftIsRejected(t *testing.T) {
	h := newHarness(t)
	c := h.peerConnection(t)
	h.advance(t, c.ID, "approve")

	_, err := h.svc.ClientApprove(context.Background(), h.requester, c.ID)
	flowErr := expectKind(t, err, workflow.KindInvalidTransition)
	if flowErr.Message != "draft empty" {
		t.Fatalf("expected draft empty, got %q", flowErr.Message)
	}
}

func TestNonOwnerCannotClientApprove(t *testing.T) {
	h := newHarness(t)
	c := h.peerConnection(t)
	h.advance(t, c.ID, "draft")

	_, err := h.svc.ClientApprove(context.Background(), h.peer, c.ID)
	expectKind(t, err, workflow.KindForbidden)

	got, _ := h.store.GetConnection(context.Background(), c.ID)
	if got.ClientApproved {
		t.Fatal("forbidden call changed the record")
	}
}

func TestEditAfterFinalApproveIsRejected(t *testing.T) {
	h := newHarness(t)
	c := h.peerConnection(t)
	locked := h.advance(t, c.ID, "final-approve")

	for _, session := range []Session{h.admin, h.requester} {
		_, err := h.svc.EditDraft(context.Background(), session, c.ID, "rewritten")
		flowErr := expectKind(t, err, workflow.KindInvalidTransition)
		if flowErr.Message != "draft locked" {
			t.Fatalf("expected draft locked, got %q", flowErr.Message)
		}
	}
	got, _ := h.store.GetConnection(context.Background(), c.ID)
	if got.DraftMessage != locked.DraftMessage {
		t.Fatalf("locked draft changed: %q", got.DraftMessage)
	}
}

func TestConcurrentGenerateDraftSucceedsOnce(t *testing.T) {
	h := newHarness(t)
	c := h.peerConnection(t)
	h.advance(t, c.ID, "approve")

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	h.generator.generateFn = func(ctx context.Context, in draft.Context) (string, error) {
		entered <- struct{}{}
		<-release
		return "Hello from the generator", nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.GenerateDraft(context.Background(), h.admin, c.ID)
			errs <- err
		}()
	}

	<-entered
	// give the second caller time to queue on the connection
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	succeeded, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case workflow.KindOf(err) == workflow.KindInvalidTransition:
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected one success and one rejection, got %d/%d", succeeded, rejected)
	}
	if calls := h.generator.Calls(); calls != 1 {
		t.Fatalf("generator called %d times", calls)
	}
	if size := h.svc.locks.size(); size != 0 {
		t.Fatalf("lock entries leaked: %d", size)
	}
}

func TestGenerateDraftTwiceSequentially(t *testing.T) {
	h := newHarness(t)
	c := h.peerConnection(t)
	h.advance(t, c.ID, "draft")

	_, err := h.svc.GenerateDraft(context.Background(), h.admin, c.ID)
	flowErr := expectKind(t, err, workflow.KindInvalidTransition)
	if flowErr.Gate != workflow.GateDraftMessage {
		t.Fatalf("expected draft_message gate, got %q", flowErr.Gate)
	}
}

func TestAdapterFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	c := h.peerConnection(t)
	h.advance(t, c.ID, "approve")

	h.generator.generateFn = func(context.Context, draft.Context) (string, error) {
		return "", errors.New("model timeout")
	}
	_, err := h.svc.GenerateDraft(context.Background(), h.admin, c.ID)
	flowErr := expectKind(t, err, workflow.KindAdapterFailure)
	if !flowErr.Retryable() {
		t.Fatal("adapter failure should be retryable")
	}
	got, _ := h.store.GetConnection(context.Background(), c.ID)
	if got.Status != store.StatusAdminApproved || got.DraftMessage != "" || got.DraftGeneratedAt != nil {
		t.Fatalf("state changed after failure: %+v", got)
	}

	h.generator.generateFn = nil
	retried, err := h.svc.GenerateDraft(context.Background(), h.admin, c.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != store.StatusDraftGenerated || !strings.Contains(retried.DraftMessage, "Grace Partner") {
		t.Fatalf("unexpected retry result: %+v", retried)
	}
}

func TestSendBeforeLockFailsForEveryRole(t *testing.T) {
	h := newHarness(t)
	c := h.peerConnection(t)
	h.advance(t, c.ID, "client-approve")
	h.saveCredential(t, h.requester, time.Time{})

	_, err := h.svc.Send(context.Background(), h.requester, c.ID)
	expectKind(t, err, workflow.KindInvalidTransition)
	for _, session := range []Session{h.admin, h.peer, h.outsider} {
		_, err := h.svc.Send(context.Background(), session, c.ID)
		expectKind(t, err, workflow.KindForbidden)
	}
	if len(h.sender.Sent()) != 0 {
		t.Fatal("nothing should have been sent")
	}
}

func TestSendCredentialFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.peerConnection(t)
	h.advance(t, c.ID, "final-approve")

	_, err := h.svc.Send(ctx, h.requester, c.ID)
	expectKind(t, err, workflow.KindMailAuth)

	if err := h.store.SaveMailCredential(ctx, store.MailCredential{
		UserID:      h.requester.UserID,
		Email:       "ada@example.com",
		AccessToken: "stale",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	_, err = h.svc.Send(ctx, h.requester, c.ID)
	expectKind(t, err, workflow.KindMailAuth)

	h.saveCredential(t, h.requester, time.Now().Add(time.Hour))
	h.sender.sendFn = func(context.Context, store.MailCredential, email.Address, string, string) (email.Receipt, error) {
		return email.Receipt{}, fmt.Errorf("smtp auth: %w", email.ErrCredential)
	}
	_, err = h.svc.Send(ctx, h.requester, c.ID)
	expectKind(t, err, workflow.KindMailAuth)

	h.sender.sendFn = func(context.Context, store.MailCredential, email.Address, string, string) (email.Receipt, error) {
		return email.Receipt{}, errors.New("connection reset")
	}
	_, err = h.svc.Send(ctx, h.requester, c.ID)
	expectKind(t, err, workflow.KindAdapterFailure)

	got, _ := h.store.GetConnection(ctx, c.ID)
	if got.Status != store.StatusApproved || got.EmailSentAt != nil {
		t.Fatalf("failed sends changed state: %+v", got)
	}

	h.sender.sendFn = nil
	if _, err := h.svc.Send(ctx, h.requester, c.ID); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	_, err = h.svc.Send(ctx, h.requester, c.ID)
	flowErr := expectKind(t, err, workflow.KindInvalidTransition)
	if flowErr.Message != "email already sent" {
		t.Fatalf("unexpected message: %q", flowErr.Message)
	}
}

func TestClientApproveIsNotReapplied(t *testing.T) {
	h := newHarness(t)
	c := h.peerConnection(t)
	first := h.advance(t, c.ID, "client-approve")

	_, err := h.svc.ClientApprove(context.Background(), h.admin, c.ID)
	expectKind(t, err, workflow.KindInvalidTransition)

	got, _ := h.store.GetConnection(context.Background(), c.ID)
	if got.ClientApprovedAt == nil || !got.ClientApprovedAt.Equal(*first.ClientApprovedAt) {
		t.Fatalf("client_approved_at changed: %v -> %v", first.ClientApprovedAt, got.ClientApprovedAt)
	}
}

func TestRoleCheckedBeforeState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.peerConnection(t)
	h.advance(t, c.ID, "final-approve")

	// every admin-only step is forbidden for the owner even though the state
	// would reject it too
	_, err := h.svc.AdminApprove(ctx, h.requester, c.ID)
	expectKind(t, err, workflow.KindForbidden)
	_, err = h.svc.GenerateDraft(ctx, h.requester, c.ID)
	expectKind(t, err, workflow.KindForbidden)
	_, err = h.svc.FinalApprove(ctx, h.requester, c.ID)
	expectKind(t, err, workflow.KindForbidden)
	_, err = h.svc.EditDraft(ctx, h.outsider, c.ID, "x")
	expectKind(t, err, workflow.KindForbidden)

	_, err = h.svc.AdminApprove(ctx, Session{}, c.ID)
	expectKind(t, err, workflow.KindUnauthenticated)
	_, err = h.svc.AdminApprove(ctx, h.admin, "conn_missing")
	expectKind(t, err, workflow.KindNotFound)
}

func TestCreateConnectionRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.peerConnection(t)

	_, err := h.svc.CreateConnection(ctx, h.peer, workflow.CreateInput{ToUserID: h.requester.UserID})
	expectKind(t, err, workflow.KindConflict)

	_, err = h.svc.CreateConnection(ctx, h.requester, workflow.CreateInput{ToUserID: "usr_missing"})
	expectKind(t, err, workflow.KindNotFound)

	_, err = h.svc.CreateConnection(ctx, h.requester, workflow.CreateInput{})
	expectKind(t, err, workflow.KindValidation)

	_, err = h.svc.CreateConnection(ctx, h.requester, workflow.CreateInput{ToUserID: h.requester.UserID})
	expectKind(t, err, workflow.KindValidation)

	_, err = h.svc.CreateConnection(ctx, h.requester, workflow.CreateInput{DealID: "deal_missing"})
	expectKind(t, err, workflow.KindNotFound)

	_, err = h.svc.CreateConnection(ctx, Session{}, workflow.CreateInput{ToUserID: h.peer.UserID})
	expectKind(t, err, workflow.KindUnauthenticated)
}

func TestConcurrentPeerRequestsCreateOne(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, pair := range [][2]Session{{h.requester, h.peer}, {h.peer, h.requester}} {
		wg.Add(1)
		go func(from, to Session) {
			defer wg.Done()
			_, err := h.svc.CreateConnection(context.Background(), from, workflow.CreateInput{ToUserID: to.UserID})
			errs <- err
		}(pair[0], pair[1])
	}
	wg.Wait()
	close(errs)

	created, conflicts := 0, 0
	for err := range errs {
		switch workflow.KindOf(err) {
		case "":
			created++
		case workflow.KindConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if created != 1 || conflicts != 1 {
		t.Fatalf("expected one create and one conflict, got %d/%d", created, conflicts)
	}
}

func TestDealRequestFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateDeal(ctx, h.requester, CreateDealInput{Title: "Series A"})
	expectKind(t, err, workflow.KindForbidden)

	deal, err := h.svc.CreateDeal(ctx, h.admin, CreateDealInput{Title: "Series A", Company: "Acme", ContactName: "Dana Deal"})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	c, err := h.svc.CreateConnection(ctx, h.requester, workflow.CreateInput{DealID: deal.ID, ClientGoals: "Meet the CFO"})
	if err != nil {
		t.Fatalf("create deal request: %v", err)
	}
	if c.ToUserID != "" || c.DealID != deal.ID || c.ToCompany != "Acme" || c.ToName != "Dana Deal" {
		t.Fatalf("unexpected deal snapshot: %+v", c)
	}
	// deal requests are not subject to the peer duplicate rule
	if _, err := h.svc.CreateConnection(ctx, h.requester, workflow.CreateInput{DealID: deal.ID}); err != nil {
		t.Fatalf("second deal request: %v", err)
	}

	if _, err := h.svc.AdminApprove(ctx, h.admin, c.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got := h.enricher.Scheduled(); len(got) != 1 || got[0] != c.ID {
		t.Fatalf("expected enrichment for %s, got %v", c.ID, got)
	}

	var seen draft.Context
	h.generator.generateFn = func(_ context.Context, in draft.Context) (string, error) {
		seen = in
		return "Dear Dana", nil
	}
	if _, err := h.svc.GenerateDraft(ctx, h.admin, c.ID); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if seen.ConnectionType != draft.ConnectionDeal || seen.Deal == nil || seen.Deal.ID != deal.ID || seen.Goals != "Meet the CFO" {
		t.Fatalf("unexpected generator context: %+v", seen)
	}
}

func TestPeerApprovalDoesNotEnrich(t *testing.T) {
	h := newHarness(t)
	c := h.peerConnection(t)
	h.advance(t, c.ID, "approve")
	if got := h.enricher.Scheduled(); len(got) != 0 {
		t.Fatalf("peer request should not be enriched: %v", got)
	}
}

func TestListAndGetAreScopedToOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mine := h.peerConnection(t)
	theirs, err := h.svc.CreateConnection(ctx, h.outsider, workflow.CreateInput{ToUserID: h.peer.UserID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	all, err := h.svc.ListConnections(ctx, h.admin)
	if err != nil || len(all) != 2 {
		t.Fatalf("admin list: %d %v", len(all), err)
	}
	own, err := h.svc.ListConnections(ctx, h.requester)
	if err != nil || len(own) != 1 || own[0].ID != mine.ID {
		t.Fatalf("requester list: %+v %v", own, err)
	}
	if _, err := h.svc.ListConnections(ctx, Session{}); workflow.KindOf(err) != workflow.KindUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	if _, err := h.svc.GetConnection(ctx, h.requester, theirs.ID); workflow.KindOf(err) != workflow.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.svc.GetConnection(ctx, h.admin, theirs.ID); err != nil {
		t.Fatalf("admin get: %v", err)
	}
	// the target of a request is not its owner
	if _, err := h.svc.GetConnection(ctx, h.peer, mine.ID); workflow.KindOf(err) != workflow.KindForbidden {
		t.Fatalf("expected forbidden for target, got %v", err)
	}
}

func TestEditDraftRecordsHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.peerConnection(t)
	h.advance(t, c.ID, "draft")
	h.svc.Drain()

	edited, err := h.svc.EditDraft(ctx, h.requester, c.ID, "  Hi Grace, a shorter note.  ")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.DraftMessage != "Hi Grace, a shorter note." {
		t.Fatalf("draft not trimmed: %q", edited.DraftMessage)
	}
	_, err = h.svc.EditDraft(ctx, h.requester, c.ID, "   ")
	expectKind(t, err, workflow.KindValidation)

	h.svc.Drain()
	history, err := h.svc.DraftHistory(ctx, h.requester, c.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(history))
	}
	if !strings.HasPrefix(history[0].Message, "draft_edited") || history[0].Author != "Ada Founder" {
		t.Fatalf("newest revision should be the edit: %+v", history[0])
	}
	if _, err := h.svc.DraftHistory(ctx, h.outsider, c.ID, 10); workflow.KindOf(err) != workflow.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestConcurrentEditsAreSerialized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.peerConnection(t)
	h.advance(t, c.ID, "draft")

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := h.requester
			if i%2 == 0 {
				session = h.admin
			}
			if _, err := h.svc.EditDraft(ctx, session, c.ID, fmt.Sprintf("version %d", i)); err != nil {
				t.Errorf("edit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	approved, err := h.svc.ClientApprove(ctx, h.requester, c.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !strings.HasPrefix(approved.DraftMessage, "version ") {
		t.Fatalf("unexpected final draft: %q", approved.DraftMessage)
	}
	if h.svc.locks.size() != 0 {
		t.Fatal("lock entries leaked")
	}
}

func TestSessionRoleComesFromStore(t *testing.T) {
	h := newHarness(t)
	session, err := h.svc.SessionFromToken(context.Background(), h.admin.Token)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	// "Platform Admin" collapses to admin
	if session.Role != "admin" || !session.Viewer().IsAdmin() {
		t.Fatalf("expected admin, got %q", session.Role)
	}
	other, err := h.svc.SessionFromToken(context.Background(), h.outsider.Token)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if other.Role != "requester" {
		t.Fatalf("expected requester, got %q", other.Role)
	}
}

func TestSearchRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.svc.Search(ctx, h.requester, search.Query{Text: "seed"})
	expectKind(t, err, workflow.KindForbidden)

	resp, err := h.svc.Search(ctx, h.admin, search.Query{Text: "seed"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Results == nil {
		t.Fatal("expected non-nil results without a search backend")
	}
}

func TestMailCredentialValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SaveMailCredential(ctx, h.requester, MailCredentialInput{})
	expectKind(t, err, workflow.KindValidation)
	_, err = h.svc.SaveMailCredential(ctx, h.requester, MailCredentialInput{AccessToken: "x", ExpiresAt: time.Now().Add(-time.Hour)})
	expectKind(t, err, workflow.KindValidation)
	_, err = h.svc.SaveMailCredential(ctx, Session{}, MailCredentialInput{AccessToken: "x"})
	expectKind(t, err, workflow.KindUnauthenticated)

	cred, err := h.svc.SaveMailCredential(ctx, h.requester, MailCredentialInput{AccessToken: " tok "})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if cred.Email != "ada@example.com" || cred.AccessToken != "tok" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestArchiveFailureDoesNotFailSend(t *testing.T) {
	h := newHarness(t)
	c := h.peerConnection(t)
	h.advance(t, c.ID, "final-approve")
	h.saveCredential(t, h.requester, time.Time{})
	h.archive.putFn = func(context.Context, string, time.Time, []byte) (string, error) {
		return "", errors.New("bucket unavailable")
	}

	sent, err := h.svc.Send(context.Background(), h.requester, c.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	h.svc.Drain()
	if sent.Status != store.StatusEmailSent || len(h.archive.Puts()) != 0 {
		t.Fatalf("unexpected result: %s archived=%v", sent.Status, h.archive.Puts())
	}
}

func TestEditBeforeAdminApprovalIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.peerConnection(t)

	_, err := h.svc.EditDraft(ctx, h.requester, c.ID, "Let me write this myself")
	flowErr := expectKind(t, err, workflow.KindInvalidTransition)
	if flowErr.Gate != workflow.GateAdminApproved || flowErr.Message != "not yet admin-approved" {
		t.Fatalf("unexpected rejection: %+v", flowErr)
	}
	got, _ := h.store.GetConnection(ctx, c.ID)
	if got.DraftMessage != "" || got.Status != store.StatusPending {
		t.Fatalf("rejected edit changed the record: %+v", got)
	}

	// later steps stay blocked until the admin has approved
	_, err = h.svc.ClientApprove(ctx, h.requester, c.ID)
	expectKind(t, err, workflow.KindInvalidTransition)
	_, err = h.svc.FinalApprove(ctx, h.admin, c.ID)
	expectKind(t, err, workflow.KindInvalidTransition)

	approved, err := h.svc.AdminApprove(ctx, h.admin, c.ID)
	if err != nil {
		t.Fatalf("admin approve after rejected edit: %v", err)
	}
	if approved.Status != store.StatusAdminApproved {
		t.Fatalf("expected admin_approved, got %s", approved.Status)
	}

	_, err = h.svc.EditDraft(ctx, h.admin, c.ID, "Admin text before generation")
	flowErr = expectKind(t, err, workflow.KindInvalidTransition)
	if flowErr.Gate != workflow.GateDraftMessage || flowErr.Message != "no draft to edit; generate it first" {
		t.Fatalf("unexpected rejection: %+v", flowErr)
	}

	drafted, err := h.svc.GenerateDraft(ctx, h.admin, c.ID)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if drafted.Status != store.StatusDraftGenerated {
		t.Fatalf("expected draft_generated, got %s", drafted.Status)
	}
	if _, err := h.svc.EditDraft(ctx, h.requester, c.ID, "Now it can change"); err != nil {
		t.Fatalf("edit after generation: %v", err)
	}
}

func TestDraftGenerationTimesOut(t *testing.T) {
	h := newHarness(t)
	h.svc.cfg.AdapterTimeout = 20 * time.Millisecond
	ctx := context.Background()
	c := h.peerConnection(t)
	h.advance(t, c.ID, "approve")

	h.generator.generateFn = func(ctx context.Context, _ draft.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	_, err := h.svc.GenerateDraft(ctx, h.admin, c.ID)
	flowErr := expectKind(t, err, workflow.KindAdapterFailure)
	if flowErr.Message != "draft generation timed out" || !flowErr.Retryable() {
		t.Fatalf("unexpected failure: %+v", flowErr)
	}
	got, _ := h.store.GetConnection(ctx, c.ID)
	if got.DraftMessage != "" || got.Status != store.StatusAdminApproved {
		t.Fatalf("timed out generation changed the record: %+v", got)
	}

	h.generator.generateFn = nil
	if _, err := h.svc.GenerateDraft(ctx, h.admin, c.ID); err != nil {
		t.Fatalf("retry after timeout: %v", err)
	}
}

func TestEmailDeliveryTimesOut(t *testing.T) {
	h := newHarness(t)
	h.svc.cfg.AdapterTimeout = 20 * time.Millisecond
	ctx := context.Background()
	c := h.peerConnection(t)
	h.advance(t, c.ID, "final-approve")
	h.saveCredential(t, h.requester, time.Now().Add(time.Hour))

	h.sender.sendFn = func(ctx context.Context, _ store.MailCredential, _ email.Address, _, _ string) (email.Receipt, error) {
		<-ctx.Done()
		return email.Receipt{}, ctx.Err()
	}
	_, err := h.svc.Send(ctx, h.requester, c.ID)
	flowErr := expectKind(t, err, workflow.KindAdapterFailure)
	if flowErr.Message != "email delivery timed out" {
		t.Fatalf("unexpected failure: %+v", flowErr)
	}
	got, _ := h.store.GetConnection(ctx, c.ID)
	if got.EmailSentAt != nil || got.Status != store.StatusApproved {
		t.Fatalf("timed out delivery changed the record: %+v", got)
	}
}
