package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"introbroker/internal/auth"
	"introbroker/internal/authpw"
	"introbroker/internal/config"
	"introbroker/internal/draft"
	"introbroker/internal/email"
	"introbroker/internal/notify"
	"introbroker/internal/rbac"
	"introbroker/internal/search"
	"introbroker/internal/store"
	"introbroker/internal/telemetry"
	"introbroker/internal/util"
	"introbroker/internal/workflow"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// Viewer is the authorization identity for this session. The role comes from
// the user record read on this request, never from the token.
func (s Session) Viewer() rbac.Viewer {
	if s.UserID == "" {
		return rbac.Viewer{}
	}
	return rbac.Viewer{UserID: s.UserID, Role: rbac.Normalize(s.Role)}
}

type connectionStore interface {
	Ping(ctx context.Context) error
	CreateConnection(ctx context.Context, c store.Connection) (string, error)
	GetConnection(ctx context.Context, id string) (store.Connection, error)
	UpdateConnection(ctx context.Context, id string, patch store.ConnectionPatch) error
	ListByParty(ctx context.Context, userID string) ([]store.Connection, error)
	ListAll(ctx context.Context) ([]store.Connection, error)
	FindPeerConnection(ctx context.Context, userA, userB string) (*store.Connection, error)
}

type directoryStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, id string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	InsertDeal(ctx context.Context, deal store.Deal) error
	GetDeal(ctx context.Context, id string) (store.Deal, error)
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	SaveMailCredential(ctx context.Context, cred store.MailCredential) error
	GetMailCredential(ctx context.Context, userID string) (store.MailCredential, error)
}

type draftHistory interface {
	CommitDraft(connectionID, text, author, message string) (store.CommitInfo, error)
	History(connectionID string, limit int) ([]store.CommitInfo, error)
}

type messageArchive interface {
	Put(ctx context.Context, connectionID string, sentAt time.Time, raw []byte) (string, error)
}

type enricher interface {
	Schedule(connectionID string)
}

// Deps are the collaborators a Service is built from. Connections, Directory,
// Sessions, Bus, Drafts and Mail are required; the rest may be nil.
type Deps struct {
	Connections connectionStore
	Directory   directoryStore
	Sessions    sessionStore
	Bus         *notify.Bus
	// Publisher defaults to Bus. A Redis relay goes here to reach other
	// processes.
	Publisher notify.Publisher
	Drafts    draft.Generator
	Mail      email.Sender
	History   draftHistory
	Archive   messageArchive
	Search    *search.Service
	Enricher  enricher
	Passwords *authpw.Service
}

type Service struct {
	cfg         config.Config
	connections connectionStore
	directory   directoryStore
	sessions    sessionStore
	bus         *notify.Bus
	publisher   notify.Publisher
	drafts      draft.Generator
	mail        email.Sender
	history     draftHistory
	archive     messageArchive
	search      *search.Service
	enricher    enricher
	passwords   *authpw.Service

	locks      *keyedLock
	background sync.WaitGroup
	now        func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = deps.Bus
	}
	passwords := deps.Passwords
	if passwords == nil && deps.Directory != nil {
		passwords = authpw.NewService(deps.Directory)
	}
	return &Service{
		cfg:         cfg,
		connections: deps.Connections,
		directory:   deps.Directory,
		sessions:    deps.Sessions,
		bus:         deps.Bus,
		publisher:   publisher,
		drafts:      deps.Drafts,
		mail:        deps.Mail,
		history:     deps.History,
		archive:     deps.Archive,
		search:      deps.Search,
		enricher:    deps.Enricher,
		passwords:   passwords,
		locks:       newKeyedLock(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.connections.Ping(ctx)
}

func (s *Service) adapterTimeout() time.Duration {
	if s.cfg.AdapterTimeout <= 0 {
		return time.Minute
	}
	return s.cfg.AdapterTimeout
}

// callAdapter bounds one outbound call so a hung provider cannot hold the
// connection lock indefinitely.
func (s *Service) callAdapter(ctx context.Context, fn func(context.Context) error) (timedOut bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, s.adapterTimeout())
	defer cancel()
	err = fn(callCtx)
	timedOut = err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	return timedOut, err
}

func (s *Service) Keepalive() time.Duration {
	if s.cfg.Keepalive <= 0 {
		return 25 * time.Second
	}
	return s.cfg.Keepalive
}

// Drain waits for background steps (indexing, draft history, archiving) to
// finish.
func (s *Service) Drain() {
	s.background.Wait()
}

// --- sessions ---

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.directory.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         string(rbac.Normalize(user.Role)),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates token and re-reads the user so role changes take
// effect on the next request.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.directory.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      string(rbac.Normalize(user.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// EnsureAdmin provisions the bootstrap admin account. created is false when
// the email was already registered.
func (s *Service) EnsureAdmin(ctx context.Context, email, password, name string) (store.User, bool, error) {
	return s.passwords.EnsureAdmin(ctx, email, password, name)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// MailCredentialInput registers the caller's outbound-mail grant.
type MailCredentialInput struct {
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (s *Service) SaveMailCredential(ctx context.Context, session Session, in MailCredentialInput) (store.MailCredential, error) {
	if session.UserID == "" {
		return store.MailCredential{}, workflow.Unauthenticated()
	}
	if strings.TrimSpace(in.AccessToken) == "" {
		return store.MailCredential{}, workflow.Validation("accessToken is required")
	}
	if !in.ExpiresAt.IsZero() && !in.ExpiresAt.After(s.now()) {
		return store.MailCredential{}, workflow.Validation("expiresAt must be in the future")
	}
	address := strings.TrimSpace(in.Email)
	if address == "" {
		user, err := s.directory.GetUserByID(ctx, session.UserID)
		if err != nil {
			return store.MailCredential{}, fmt.Errorf("load user: %w", err)
		}
		address = user.Email
	}
	cred := store.MailCredential{
		UserID:       session.UserID,
		Email:        address,
		AccessToken:  strings.TrimSpace(in.AccessToken),
		RefreshToken: strings.TrimSpace(in.RefreshToken),
		ExpiresAt:    in.ExpiresAt.UTC(),
	}
	if err := s.sessions.SaveMailCredential(ctx, cred); err != nil {
		return store.MailCredential{}, fmt.Errorf("save mail credential: %w", err)
	}
	return cred, nil
}

// --- deals ---

type CreateDealInput struct {
	Title           string
	Company         string
	ContactName     string
	ContactEmail    string
	ContactLinkedIn string
}

func (s *Service) CreateDeal(ctx context.Context, session Session, in CreateDealInput) (store.Deal, error) {
	v := session.Viewer()
	if v.UserID == "" {
		return store.Deal{}, workflow.Unauthenticated()
	}
	if !rbac.Can(v.Role, rbac.ActionCurate) {
		return store.Deal{}, workflow.Forbidden("admin role required")
	}
	if strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.Company) == "" {
		return store.Deal{}, workflow.Validation("title or company is required")
	}
	deal := store.Deal{
		ID:              util.NewID("deal"),
		Title:           strings.TrimSpace(in.Title),
		Company:         strings.TrimSpace(in.Company),
		ContactName:     strings.TrimSpace(in.ContactName),
		ContactEmail:    strings.TrimSpace(in.ContactEmail),
		ContactLinkedIn: strings.TrimSpace(in.ContactLinkedIn),
		CreatedAt:       s.now(),
	}
	if err := s.directory.InsertDeal(ctx, deal); err != nil {
		return store.Deal{}, fmt.Errorf("insert deal: %w", err)
	}
	return deal, nil
}

func (s *Service) GetDeal(ctx context.Context, session Session, id string) (store.Deal, error) {
	if session.UserID == "" {
		return store.Deal{}, workflow.Unauthenticated()
	}
	deal, err := s.directory.GetDeal(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Deal{}, workflow.NotFound("deal")
	}
	return deal, err
}

// --- connections ---

func (s *Service) CreateConnection(ctx context.Context, session Session, in workflow.CreateInput) (store.Connection, error) {
	ctx, span := telemetry.Start(ctx, "workflow.create")
	defer span.End()

	v := session.Viewer()
	if err := workflow.ValidateCreate(v, in); err != nil {
		return store.Connection{}, traceError(span, err)
	}
	requester, err := s.directory.GetUserByID(ctx, v.UserID)
	if err != nil {
		return store.Connection{}, traceError(span, notFoundAs(err, "requester profile"))
	}

	var target *store.User
	var deal *store.Deal
	lockKey := ""
	if toUserID := strings.TrimSpace(in.ToUserID); toUserID != "" {
		user, err := s.directory.GetUserByID(ctx, toUserID)
		if err != nil {
			return store.Connection{}, traceError(span, notFoundAs(err, "target profile"))
		}
		target = &user
		lockKey = peerLockKey(v.UserID, user.ID)
	} else {
		found, err := s.directory.GetDeal(ctx, strings.TrimSpace(in.DealID))
		if err != nil {
			return store.Connection{}, traceError(span, notFoundAs(err, "deal"))
		}
		deal = &found
	}

	// peer pairs are serialized so two racing requests cannot both pass the
	// duplicate check
	if lockKey != "" {
		release, err := s.locks.acquire(ctx, lockKey)
		if err != nil {
			return store.Connection{}, traceError(span, err)
		}
		defer release()
		existing, err := s.connections.FindPeerConnection(ctx, v.UserID, target.ID)
		if err != nil {
			return store.Connection{}, traceError(span, fmt.Errorf("find peer connection: %w", err))
		}
		if err := workflow.CheckDuplicate(existing); err != nil {
			return store.Connection{}, traceError(span, err)
		}
	}

	c := workflow.NewConnection(util.NewID("conn"), requester, target, deal, in, s.now())
	span.SetAttributes(attribute.String("connection.id", c.ID))
	if _, err := s.connections.CreateConnection(ctx, c); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// another process created the pair between our check and write
			return store.Connection{}, traceError(span, workflow.Conflict("connection already exists between these users"))
		}
		return store.Connection{}, traceError(span, fmt.Errorf("create connection: %w", err))
	}
	created, err := s.connections.GetConnection(ctx, c.ID)
	if err != nil {
		return store.Connection{}, traceError(span, fmt.Errorf("reload connection: %w", err))
	}
	s.publish(workflow.EventConnectionCreated, created, v.UserID)
	s.afterCommit(workflow.EventConnectionCreated, created, session)
	return created, nil
}

func peerLockKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "peer:" + a + ":" + b
}

// ListConnections returns every record to admins and the caller's own
// requests to everyone else.
func (s *Service) ListConnections(ctx context.Context, session Session) ([]store.Connection, error) {
	v := session.Viewer()
	if v.UserID == "" {
		return nil, workflow.Unauthenticated()
	}
	if v.IsAdmin() {
		return s.connections.ListAll(ctx)
	}
	return s.connections.ListByParty(ctx, v.UserID)
}

func (s *Service) GetConnection(ctx context.Context, session Session, id string) (store.Connection, error) {
	v := session.Viewer()
	if v.UserID == "" {
		return store.Connection{}, workflow.Unauthenticated()
	}
	c, err := s.load(ctx, id)
	if err != nil {
		return store.Connection{}, err
	}
	if err := workflow.CanRead(v, c); err != nil {
		return store.Connection{}, err
	}
	return c, nil
}

func (s *Service) AdminApprove(ctx context.Context, session Session, id string) (store.Connection, error) {
	return s.transition(ctx, session, "admin_approve", id, func(_ context.Context, v rbac.Viewer, c store.Connection) (workflow.Mutation, error) {
		return workflow.AdminApprove(v, c, s.now())
	})
}

// GenerateDraft holds the connection lock across the adapter call, so a
// second concurrent request in this process sees the stored draft and is
// rejected. Requests from other processes are caught by the store, which
// re-checks the guard against the row it writes.
func (s *Service) GenerateDraft(ctx context.Context, session Session, id string) (store.Connection, error) {
	return s.transition(ctx, session, "generate_draft", id, func(ctx context.Context, v rbac.Viewer, c store.Connection) (workflow.Mutation, error) {
		if err := workflow.CheckGenerateDraft(v, c); err != nil {
			return workflow.Mutation{}, err
		}
		input, err := s.draftContext(ctx, c)
		if err != nil {
			return workflow.Mutation{}, err
		}
		var text string
		timedOut, err := s.callAdapter(ctx, func(ctx context.Context) error {
			var genErr error
			text, genErr = s.drafts.Generate(ctx, input)
			return genErr
		})
		switch {
		case timedOut:
			return workflow.Mutation{}, workflow.AdapterFailure("draft generation timed out", err)
		case err != nil:
			return workflow.Mutation{}, workflow.AdapterFailure("draft generation failed", err)
		}
		return workflow.ApplyDraft(v, text, s.now())
	})
}

func (s *Service) draftContext(ctx context.Context, c store.Connection) (draft.Context, error) {
	requester, err := s.directory.GetUserByID(ctx, c.FromUserID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return draft.Context{}, fmt.Errorf("load requester: %w", err)
		}
		requester = store.User{ID: c.FromUserID, DisplayName: c.FromName, Email: c.FromEmail, LinkedIn: c.FromLinkedIn}
	}
	var deal *store.Deal
	if c.IsDealRequest() {
		found, err := s.directory.GetDeal(ctx, c.DealID)
		switch {
		case err == nil:
			deal = &found
		case !errors.Is(err, store.ErrNotFound):
			return draft.Context{}, fmt.Errorf("load deal: %w", err)
		}
	}
	return draft.ContextFor(c, requester, deal), nil
}

func (s *Service) EditDraft(ctx context.Context, session Session, id, message string) (store.Connection, error) {
	return s.transition(ctx, session, "edit_draft", id, func(_ context.Context, v rbac.Viewer, c store.Connection) (workflow.Mutation, error) {
		return workflow.EditDraft(v, c, message, s.now())
	})
}

func (s *Service) ClientApprove(ctx context.Context, session Session, id string) (store.Connection, error) {
	return s.transition(ctx, session, "client_approve", id, func(_ context.Context, v rbac.Viewer, c store.Connection) (workflow.Mutation, error) {
		return workflow.ClientApprove(v, c, s.now())
	})
}

func (s *Service) FinalApprove(ctx context.Context, session Session, id string) (store.Connection, error) {
	return s.transition(ctx, session, "final_approve", id, func(_ context.Context, v rbac.Viewer, c store.Connection) (workflow.Mutation, error) {
		return workflow.FinalApprove(v, c, s.now())
	})
}

// Send delivers the locked draft as the requester. Credential problems come
// back as mail_auth so the client can reconnect and retry.
func (s *Service) Send(ctx context.Context, session Session, id string) (store.Connection, error) {
	var receipt email.Receipt
	updated, err := s.transition(ctx, session, "send", id, func(ctx context.Context, v rbac.Viewer, c store.Connection) (workflow.Mutation, error) {
		if err := workflow.CheckSend(v, c); err != nil {
			return workflow.Mutation{}, err
		}
		var cred *store.MailCredential
		found, err := s.sessions.GetMailCredential(ctx, c.FromUserID)
		switch {
		case err == nil:
			cred = &found
		case !errors.Is(err, store.ErrNotFound):
			return workflow.Mutation{}, fmt.Errorf("load mail credential: %w", err)
		}
		if err := workflow.CheckCredential(cred, s.now()); err != nil {
			return workflow.Mutation{}, err
		}

		to := email.Address{Name: c.ToName, Email: c.ToEmail}
		timedOut, err := s.callAdapter(ctx, func(ctx context.Context) error {
			var sendErr error
			receipt, sendErr = s.mail.Send(ctx, *cred, to, workflow.Subject(c), c.DraftMessage)
			return sendErr
		})
		switch {
		case timedOut:
			return workflow.Mutation{}, workflow.AdapterFailure("email delivery timed out", err)
		case errors.Is(err, email.ErrCredential):
			return workflow.Mutation{}, workflow.MailAuthRequired("outbound mail authorization was rejected")
		case err != nil:
			return workflow.Mutation{}, workflow.AdapterFailure("email delivery failed", err)
		}
		return workflow.ApplySent(v, c, s.now()), nil
	})
	if err != nil {
		return store.Connection{}, err
	}
	if len(receipt.Raw) > 0 {
		s.archiveMessage(updated, receipt)
	}
	return updated, nil
}

// DraftHistory lists draft revisions newest first.
func (s *Service) DraftHistory(ctx context.Context, session Session, id string, limit int) ([]store.CommitInfo, error) {
	if _, err := s.GetConnection(ctx, session, id); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []store.CommitInfo{}, nil
	}
	items, err := s.history.History(id, limit)
	if err != nil {
		return nil, fmt.Errorf("draft history: %w", err)
	}
	return items, nil
}

func (s *Service) Search(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	v := session.Viewer()
	if v.UserID == "" {
		return search.Response{}, workflow.Unauthenticated()
	}
	if !rbac.Can(v.Role, rbac.ActionCurate) {
		return search.Response{}, workflow.Forbidden("admin role required")
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

// Reindex pushes every connection to the search index (admin only).
func (s *Service) Reindex(ctx context.Context, session Session) error {
	v := session.Viewer()
	if v.UserID == "" {
		return workflow.Unauthenticated()
	}
	if !rbac.Can(v.Role, rbac.ActionCurate) {
		return workflow.Forbidden("admin role required")
	}
	if s.search != nil {
		s.search.ReindexAll(ctx)
	}
	return nil
}

// OpenStream subscribes the session's viewer to the bus.
func (s *Service) OpenStream(session Session) *notify.Stream {
	return notify.Open(s.bus, session.Viewer(), 64)
}

type stepFunc func(ctx context.Context, v rbac.Viewer, c store.Connection) (workflow.Mutation, error)

// transition runs guard, adapter, persist and publish for one connection
// while holding that connection's lock. A failing step leaves the record
// untouched. The store re-runs the step's guard on the row it writes, so a
// writer in another process that got there first turns this call into an
// invalid transition.
func (s *Service) transition(ctx context.Context, session Session, op, id string, step stepFunc) (store.Connection, error) {
	ctx, span := telemetry.Start(ctx, "workflow."+op)
	defer span.End()
	span.SetAttributes(attribute.String("connection.id", id))

	v := session.Viewer()
	if v.UserID == "" {
		return store.Connection{}, traceError(span, workflow.Unauthenticated())
	}

	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return store.Connection{}, traceError(span, err)
	}
	defer release()

	current, err := s.load(ctx, id)
	if err != nil {
		return store.Connection{}, traceError(span, err)
	}
	mutation, err := step(ctx, v, current)
	if err != nil {
		return store.Connection{}, traceError(span, err)
	}
	if err := s.connections.UpdateConnection(ctx, id, mutation.Patch); err != nil {
		if workflow.KindOf(err) != "" {
			return store.Connection{}, traceError(span, err)
		}
		return store.Connection{}, traceError(span, fmt.Errorf("persist %s: %w", op, err))
	}
	updated, err := s.load(ctx, id)
	if err != nil {
		return store.Connection{}, traceError(span, err)
	}
	span.SetAttributes(attribute.String("connection.status", string(updated.Status)))

	s.publish(mutation.Event, updated, v.UserID)
	s.afterCommit(mutation.Event, updated, session)
	return updated, nil
}

func (s *Service) load(ctx context.Context, id string) (store.Connection, error) {
	c, err := s.connections.GetConnection(ctx, id)
	if err != nil {
		return store.Connection{}, notFoundAs(err, "connection")
	}
	return c, nil
}

func (s *Service) publish(event workflow.EventType, c store.Connection, actorID string) {
	snapshot := c
	s.publisher.Publish(notify.Event{
		Type:         event,
		ConnectionID: c.ID,
		Connection:   &snapshot,
		Timestamp:    s.now(),
		ActorID:      actorID,
	})
}

// afterCommit starts the steps that follow a committed transition. None of
// them can undo or delay it.
func (s *Service) afterCommit(event workflow.EventType, c store.Connection, session Session) {
	if s.search != nil {
		s.search.IndexConnection(c)
	}
	switch event {
	case workflow.EventAdminApproved:
		if c.IsDealRequest() && s.enricher != nil {
			s.enricher.Schedule(c.ID)
		}
	case workflow.EventDraftGenerated, workflow.EventDraftEdited:
		if s.history == nil {
			return
		}
		author := session.UserName
		if author == "" {
			author = session.UserID
		}
		message := fmt.Sprintf("%s by %s", event, author)
		text := c.DraftMessage
		s.runBackground("draft history", c.ID, func(context.Context) error {
			_, err := s.history.CommitDraft(c.ID, text, author, message)
			return err
		})
	}
}

func (s *Service) archiveMessage(c store.Connection, receipt email.Receipt) {
	if s.archive == nil {
		return
	}
	sentAt := s.now()
	if c.EmailSentAt != nil {
		sentAt = *c.EmailSentAt
	}
	raw := receipt.Raw
	s.runBackground("archive", c.ID, func(ctx context.Context) error {
		_, err := s.archive.Put(ctx, c.ID, sentAt, raw)
		return err
	})
}

func (s *Service) runBackground(name, connectionID string, fn func(context.Context) error) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		ctx, span := telemetry.Start(ctx, "background."+strings.ReplaceAll(name, " ", "_"))
		defer span.End()
		span.SetAttributes(attribute.String("connection.id", connectionID))
		if err := fn(ctx); err != nil {
			traceError(span, err)
			log.Printf("%s failed for connection %s: %v", name, connectionID, err)
		}
	}()
}

func notFoundAs(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return workflow.NotFound(what)
	}
	return err
}

func traceError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
