package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liliang-cn/graphdoc/internal/config"
	"github.com/liliang-cn/graphdoc/internal/domain"
	"github.com/liliang-cn/graphdoc/internal/repository"
)

// SessionStore manages chat sessions with idle expiry. Expired sessions
// are reclaimed lazily on access and by a periodic sweeper, so expiry is
// observable immediately even between sweeps.
type SessionStore struct {
	repo   *repository.SessionRepository
	cfg    config.SessionConfig
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex

	sweeping  bool
	stopSweep chan struct{}
	sweepDone chan struct{}
	stopOnce  sync.Once
}

// NewSessionStore creates a session store. Call StartSweeper to run the
// background reclaimer and Close on shutdown.
func NewSessionStore(repo *repository.SessionRepository, cfg config.SessionConfig, logger *zap.Logger) *SessionStore {
	return &SessionStore{
		repo:      repo,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// Create starts a session bound to a knowledge base. A caller-supplied
// ID is honored so clients can choose their own session identifiers; an
// existing live session with that ID is a conflict.
func (s *SessionStore) Create(id, kbID string) (*domain.Session, error) {
	if kbID == "" {
		return nil, fmt.Errorf("%w: knowledge base id is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		existing, err := s.getLocked(id)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: session %s already exists", domain.ErrConflict, id)
		}
	}

	session := &domain.Session{ID: id, KnowledgeBaseID: kbID}
	if err := s.repo.Create(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Get returns a live session and refreshes its idle clock. Expired
// sessions are evicted and reported as not found.
func (s *SessionStore) Get(id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}

	session.LastActiveAt = s.now().UTC()
	if err := s.repo.Touch(session.ID, session.LastActiveAt); err != nil {
		return nil, err
	}
	return session, nil
}

// Peek returns a live session without refreshing its idle clock.
func (s *SessionStore) Peek(id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}
	return session, nil
}

// getLocked loads a session, evicting it first if its idle window has
// lapsed. Returns nil for absent or expired sessions.
func (s *SessionStore) getLocked(id string) (*domain.Session, error) {
	session, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	if s.now().UTC().Sub(session.LastActiveAt) > s.cfg.TTL {
		if err := s.repo.Delete(session.ID); err != nil {
			s.logger.Warn("Failed to evict expired session", zap.String("session_id", id), zap.Error(err))
		}
		return nil, nil
	}
	return session, nil
}

// Delete removes a session and its messages.
func (s *SessionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}
	return s.repo.Delete(id)
}

// Append records a message at the end of the session transcript and
// refreshes the session's idle clock.
func (s *SessionStore) Append(message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.getLocked(message.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, message.SessionID)
	}
	if err := s.repo.AppendMessage(message); err != nil {
		return err
	}
	return s.repo.Touch(session.ID, s.now().UTC())
}

// Messages returns the session transcript in append order.
func (s *SessionStore) Messages(sessionID string) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.getLocked(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return s.repo.Messages(sessionID)
}

// StartSweeper launches the periodic reclaimer for sessions that expire
// without ever being touched again.
func (s *SessionStore) StartSweeper() {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		return
	}
	s.sweeping = true
	s.mu.Unlock()

	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopSweep:
				return
			}
		}
	}()
}

func (s *SessionStore) sweep() {
	cutoff := s.now().UTC().Add(-s.cfg.TTL)
	n, err := s.repo.DeleteExpiredBefore(cutoff)
	if err != nil {
		s.logger.Warn("Session sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("Swept expired sessions", zap.Int("count", n))
	}
}

// Close stops the sweeper.
func (s *SessionStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stopSweep)
		s.mu.Lock()
		started := s.sweeping
		s.mu.Unlock()
		if started {
			<-s.sweepDone
		}
	})
}
