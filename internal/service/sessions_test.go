package service

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/liliang-cn/graphdoc/internal/config"
	"github.com/liliang-cn/graphdoc/internal/domain"
	"github.com/liliang-cn/graphdoc/internal/repository"
)

type sessionsFixture struct {
	store *SessionStore
	kbID  string
	clock *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newSessionsFixture(t *testing.T) *sessionsFixture {
	t.Helper()
	db, err := repository.NewDB(filepath.Join(t.TempDir(), "graphdoc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	kb := &domain.KnowledgeBase{Name: "kb", Workspace: "/tmp/kb"}
	require.NoError(t, repository.NewKBRepository(db).Create(kb))

	clock := &fakeClock{now: time.Now().UTC()}
	store := NewSessionStore(repository.NewSessionRepository(db), config.SessionConfig{
		TTL:           30 * time.Minute,
		SweepInterval: time.Minute,
	}, zap.NewNop())
	store.now = clock.Now
	t.Cleanup(store.Close)

	return &sessionsFixture{store: store, kbID: kb.ID, clock: clock}
}

func TestSessionCreateAndGet(t *testing.T) {
	f := newSessionsFixture(t)

	session, err := f.store.Create("", f.kbID)
	require.NoError(t, err)
	require.NotEmpty(t, session.ID)
	assert.Equal(t, f.kbID, session.KnowledgeBaseID)

	got, err := f.store.Get(session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
}

func TestSessionCreateWithChosenID(t *testing.T) {
	f := newSessionsFixture(t)

	session, err := f.store.Create("my-session", f.kbID)
	require.NoError(t, err)
	assert.Equal(t, "my-session", session.ID)

	_, err = f.store.Create("my-session", f.kbID)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSessionCreateRequiresKnowledgeBase(t *testing.T) {
	f := newSessionsFixture(t)
	_, err := f.store.Create("", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSessionExpiresLazily(t *testing.T) {
	f := newSessionsFixture(t)

	session, err := f.store.Create("", f.kbID)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)

	_, err = f.store.Get(session.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// A new session may reuse the expired ID.
	_, err = f.store.Create(session.ID, f.kbID)
	assert.NoError(t, err)
}

func TestSessionAccessExtendsLifetime(t *testing.T) {
	f := newSessionsFixture(t)

	session, err := f.store.Create("", f.kbID)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		f.clock.Advance(20 * time.Minute)
		_, err = f.store.Get(session.ID)
		require.NoError(t, err)
	}
}

func TestSessionPeekDoesNotExtendLifetime(t *testing.T) {
	f := newSessionsFixture(t)

	session, err := f.store.Create("", f.kbID)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	_, err = f.store.Peek(session.ID)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	_, err = f.store.Peek(session.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionAppendAndMessages(t *testing.T) {
	f := newSessionsFixture(t)

	session, err := f.store.Create("", f.kbID)
	require.NoError(t, err)

	require.NoError(t, f.store.Append(&domain.Message{SessionID: session.ID, Role: domain.RoleUser, Content: "question"}))
	require.NoError(t, f.store.Append(&domain.Message{SessionID: session.ID, Role: domain.RoleAssistant, Content: "answer"}))

	messages, err := f.store.Messages(session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, []int{1, 2}, []int{messages[0].Seq, messages[1].Seq})
	assert.Equal(t, domain.RoleUser, messages[0].Role)
	assert.Equal(t, domain.RoleAssistant, messages[1].Role)
}

func TestSessionAppendToExpiredSession(t *testing.T) {
	f := newSessionsFixture(t)

	session, err := f.store.Create("", f.kbID)
	require.NoError(t, err)
	f.clock.Advance(31 * time.Minute)

	err = f.store.Append(&domain.Message{SessionID: session.ID, Role: domain.RoleUser, Content: "late"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionSweepReclaimsExpired(t *testing.T) {
	f := newSessionsFixture(t)

	session, err := f.store.Create("", f.kbID)
	require.NoError(t, err)
	f.clock.Advance(31 * time.Minute)

	f.store.sweep()

	_, err = f.store.Peek(session.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionDelete(t *testing.T) {
	f := newSessionsFixture(t)

	session, err := f.store.Create("", f.kbID)
	require.NoError(t, err)

	require.NoError(t, f.store.Delete(session.ID))
	assert.ErrorIs(t, f.store.Delete(session.ID), domain.ErrNotFound)
}
