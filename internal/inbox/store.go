package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stay_booking/internal/backend"
	"stay_booking/internal/domain"
	"stay_booking/internal/realtime"
	apperrors "stay_booking/pkg/errors"
	"stay_booking/pkg/logger"
)

const defaultRefreshTimeout = 15 * time.Second

type Options struct {
	// RefreshTimeout ограничивает фоновое обновление по событию живого канала
	RefreshTimeout time.Duration
}

type Snapshot struct {
	UserID        string
	Conversations []domain.Conversation
	Loading       bool
	Error         string
}

// Store держит список диалогов пользователя и перечитывает его целиком
// при любом изменении, пришедшем по живому каналу, и после восстановления канала.
type Store struct {
	backend backend.Backend
	log     logger.Logger
	opts    Options
	lease   realtime.Lease
	updates chan struct{}

	mu            sync.Mutex
	session       uint64
	userID        string
	conversations []domain.Conversation
	err           error
	issued        uint64
	applied       uint64
	inFlight      int
	closed        bool
	// фоновое обновление по событиям: одно выполняется, еще одно может ждать
	refreshing bool
	dirty      bool
	channelErr error
}

func NewStore(b backend.Backend, log logger.Logger, opts Options) *Store {
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}
	return &Store{
		backend: b,
		log:     log,
		opts:    opts,
		updates: make(chan struct{}, 1),
	}
}

// Open начинает отслеживать диалоги userID. Без пользователя список
// остается пустым и к серверу никто не обращается.
func (s *Store) Open(ctx context.Context, userID string) error {
	s.mu.Lock()
	session, err := s.lease.Begin()
	if err != nil {
		s.log.Warn("Failed to release previous inbox subscription", "error", err)
	}
	s.session = session
	s.userID = userID
	s.conversations = nil
	s.err = nil
	s.closed = false
	s.inFlight = 0
	s.refreshing = false
	s.dirty = false
	s.channelErr = nil
	s.mu.Unlock()
	s.notify()

	if userID == "" {
		return nil
	}

	sub, err := s.backend.Subscribe(ctx, realtime.UserTopic(userID), func(ev realtime.Event) {
		s.onEvent(session, ev)
	})
	if err != nil {
		err = fmt.Errorf("failed to subscribe to inbox: %w", err)
		s.mu.Lock()
		if s.lease.Current(session) {
			s.err = err
		}
		s.mu.Unlock()
		s.notify()
		s.log.Error("Inbox subscription failed", "error", err, "user_id", userID)
		return err
	}
	if !s.lease.Attach(session, sub) {
		return nil
	}

	_, err = s.refresh(ctx, session)
	return err
}

// Refresh перечитывает список. Из нескольких перекрывающихся вызовов
// в списке остается результат последнего выданного запроса; ответ более
// старого запроса, пришедший позже, отбрасывается. При ошибке остается
// прежний список и выставляется Err.
func (s *Store) Refresh(ctx context.Context) ([]domain.Conversation, error) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	return s.refresh(ctx, session)
}

// Close освобождает живой канал. Повторный вызов безопасен.
func (s *Store) Close() error {
	s.mu.Lock()
	err := s.lease.End()
	s.userID = ""
	s.conversations = nil
	s.inFlight = 0
	s.closed = true
	s.mu.Unlock()
	s.notify()

	if err != nil {
		s.log.Warn("Failed to release inbox subscription", "error", err)
	}
	return err
}

func (s *Store) Conversations() []domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Conversation(nil), s.conversations...)
}

func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		UserID:        s.userID,
		Conversations: append([]domain.Conversation(nil), s.conversations...),
		Loading:       s.inFlight > 0,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

func (s *Store) Updates() <-chan struct{} {
	return s.updates
}

func (s *Store) refresh(ctx context.Context, session uint64) ([]domain.Conversation, error) {
	s.mu.Lock()
	if s.closed || s.userID == "" || !s.lease.Current(session) {
		s.mu.Unlock()
		return nil, nil
	}
	s.issued++
	gen := s.issued
	s.inFlight++
	userID := s.userID
	s.mu.Unlock()
	s.notify()

	list, err := s.backend.QueryConversations(ctx, userID)

	s.mu.Lock()
	if !s.lease.Current(session) {
		s.mu.Unlock()
		return nil, nil
	}
	s.inFlight--
	if gen <= s.applied {
		// более новый запрос уже отработал
		current := append([]domain.Conversation(nil), s.conversations...)
		s.mu.Unlock()
		s.notify()
		return current, nil
	}
	s.applied = gen
	if err != nil {
		s.err = fmt.Errorf("failed to load conversations: %w", err)
		refreshErr := s.err
		s.mu.Unlock()
		s.notify()
		s.log.Error("Failed to refresh inbox", "error", err, "user_id", userID)
		return nil, refreshErr
	}
	domain.SortByRecency(list)
	s.conversations = list
	s.err = s.channelErr
	current := append([]domain.Conversation(nil), list...)
	s.mu.Unlock()
	s.notify()
	return current, nil
}

func (s *Store) onEvent(session uint64, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventConversationUpdated, realtime.EventMessageInserted, realtime.EventResync:
	case realtime.EventChannelLost:
		s.loseChannel(session)
		return
	default:
		return
	}

	s.mu.Lock()
	if s.closed || !s.lease.Current(session) {
		s.mu.Unlock()
		return
	}
	if s.refreshing {
		// идущее обновление перечитает список еще раз после себя
		s.dirty = true
		s.mu.Unlock()
		return
	}
	s.refreshing = true
	s.mu.Unlock()

	go s.refreshLoop(session)
}

// refreshLoop сводит пачку событий к одному запросу и не более чем одному повторному
func (s *Store) refreshLoop(session uint64) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RefreshTimeout)
		_, _ = s.refresh(ctx, session)
		cancel()

		s.mu.Lock()
		if !s.lease.Current(session) {
			s.mu.Unlock()
			return
		}
		if !s.dirty {
			s.refreshing = false
			s.mu.Unlock()
			return
		}
		s.dirty = false
		s.mu.Unlock()
	}
}

// loseChannel: список остается, но без живого канала он больше не обновляется сам;
// ошибка держится до нового Open
func (s *Store) loseChannel(session uint64) {
	s.mu.Lock()
	if s.closed || !s.lease.Current(session) {
		s.mu.Unlock()
		return
	}
	s.channelErr = apperrors.ErrChannelLost
	s.err = s.channelErr
	userID := s.userID
	s.mu.Unlock()
	s.notify()

	s.log.Error("Inbox live channel lost", "user_id", userID)
}

func (s *Store) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
