package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"stay_booking/internal/backend"
	"stay_booking/internal/domain"
	"stay_booking/internal/realtime"
	apperrors "stay_booking/pkg/errors"
	"stay_booking/pkg/logger"
)

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
	StateClosed  State = "closed"
)

const (
	TempIDPrefix         = "optimistic-"
	defaultAckTimeout    = 10 * time.Second
	defaultResyncTimeout = 15 * time.Second
)

type Options struct {
	// AckTimeout ограничивает фоновую отметку о прочтении
	AckTimeout time.Duration
	// ResyncTimeout ограничивает дочитывание истории после восстановления канала
	ResyncTimeout time.Duration
	// Now - часы для оптимистичных сообщений
	Now func() time.Time
}

// Snapshot - согласованный срез состояния ленты
type Snapshot struct {
	State          State
	ConversationID string
	Messages       []domain.Message
	Error          string
}

// Stream держит ленту сообщений одного открытого диалога и сводит в нее
// три источника: начальную загрузку, оптимистичные отправки и живой канал.
// Безопасен для вызова из нескольких горутин.
type Stream struct {
	backend backend.Backend
	log     logger.Logger
	opts    Options
	lease   realtime.Lease
	updates chan struct{}

	mu             sync.Mutex
	session        uint64
	state          State
	conversationID string
	userID         string
	messages       []domain.Message
	err            error
}

func NewStream(b backend.Backend, log logger.Logger, opts Options) *Stream {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	if opts.ResyncTimeout <= 0 {
		opts.ResyncTimeout = defaultResyncTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Stream{
		backend: b,
		log:     log,
		opts:    opts,
		state:   StateIdle,
		updates: make(chan struct{}, 1),
	}
}

// Open привязывает ленту к диалогу. Предыдущий диалог (если был) закрывается
// вместе с подпиской до начала загрузки нового. Без диалога или без
// пользователя лента остается в Idle и к серверу не обращается.
func (s *Stream) Open(ctx context.Context, conversationID, userID string) error {
	s.mu.Lock()
	session, err := s.lease.Begin()
	if err != nil {
		s.log.Warn("Failed to release previous conversation subscription", "error", err)
	}
	s.session = session
	s.conversationID = conversationID
	s.userID = userID
	s.messages = nil
	s.err = nil
	if conversationID == "" || userID == "" {
		s.state = StateIdle
		s.mu.Unlock()
		s.notify()
		return nil
	}
	s.state = StateLoading
	s.mu.Unlock()
	s.notify()

	// Подписываемся до загрузки: вставки между запросом истории и подпиской
	// иначе потерялись бы. Пришедшее раньше истории сливается через Merge.
	sub, err := s.backend.Subscribe(ctx, realtime.ConversationTopic(conversationID), func(ev realtime.Event) {
		s.onEvent(session, ev)
	})
	if err != nil {
		return s.fail(session, fmt.Errorf("failed to subscribe to conversation: %w", err))
	}
	if !s.lease.Attach(session, sub) {
		return nil
	}

	history, err := s.backend.QueryMessages(ctx, conversationID)
	if err != nil {
		return s.fail(session, fmt.Errorf("failed to load messages: %w", err))
	}

	s.mu.Lock()
	if !s.lease.Current(session) {
		s.mu.Unlock()
		return nil
	}
	seq := Sorted(history)
	for _, m := range s.messages {
		if m.Pending {
			seq = Merge(seq, Optimistic{Message: m})
		} else {
			seq = Merge(seq, Inserted{Message: m})
		}
	}
	s.messages = seq
	s.state = StateReady
	s.mu.Unlock()
	s.notify()

	s.log.Debug("Conversation stream ready", "conversation_id", conversationID, "messages", len(seq))
	s.acknowledge(conversationID, userID)
	return nil
}

// Send сразу показывает сообщение в ленте, записывает его и затем либо
// подменяет оптимистичную запись подтвержденной, либо убирает ее.
// Без диалога, без пользователя или с пустым содержимым ничего не делает
// и возвращает (nil, nil).
func (s *Stream) Send(ctx context.Context, content domain.Content) (*domain.Message, error) {
	s.mu.Lock()
	if s.conversationID == "" || s.userID == "" || content.IsBlank() ||
		(s.state != StateLoading && s.state != StateReady) {
		s.mu.Unlock()
		return nil, nil
	}

	session := s.session
	userID := s.userID
	clientID := uuid.New().String()
	optimistic := domain.Message{
		ID:             TempIDPrefix + clientID,
		ConversationID: s.conversationID,
		SenderID:       &userID,
		Content:        content,
		ClientID:       clientID,
		CreatedAt:      s.opts.Now(),
		Pending:        true,
	}
	s.messages = Merge(s.messages, Optimistic{Message: optimistic})
	draft := domain.MessageDraft{
		ConversationID: s.conversationID,
		SenderID:       userID,
		Content:        content,
		ClientID:       clientID,
	}
	s.mu.Unlock()
	s.notify()

	saved, err := s.backend.InsertMessage(ctx, draft)

	s.mu.Lock()
	if !s.lease.Current(session) {
		// лента уже закрыта или переключена на другой диалог
		s.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to send message: %w", err)
		}
		return saved, nil
	}
	if err != nil {
		s.messages = Merge(s.messages, Failed{TempID: optimistic.ID})
		s.err = fmt.Errorf("failed to send message: %w", err)
		sendErr := s.err
		s.mu.Unlock()
		s.notify()
		s.log.Warn("Failed to send message", "error", err, "conversation_id", draft.ConversationID)
		return nil, sendErr
	}
	s.messages = Merge(s.messages, Confirmed{TempID: optimistic.ID, Message: *saved})
	s.mu.Unlock()
	s.notify()
	return saved, nil
}

// Close отписывается от канала и очищает ленту. Повторный вызов безопасен.
func (s *Stream) Close() error {
	s.mu.Lock()
	err := s.lease.End()
	s.state = StateClosed
	s.conversationID = ""
	s.userID = ""
	s.messages = nil
	s.mu.Unlock()
	s.notify()

	if err != nil {
		s.log.Warn("Failed to release conversation subscription", "error", err)
	}
	return err
}

func (s *Stream) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:          s.state,
		ConversationID: s.conversationID,
		Messages:       append([]domain.Message(nil), s.messages...),
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

func (s *Stream) Messages() []domain.Message {
	return s.Snapshot().Messages
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err - последняя ошибка загрузки или отправки
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Updates сигналит после каждого изменения; сигналы схлопываются,
// поэтому получатель должен перечитать Snapshot
func (s *Stream) Updates() <-chan struct{} {
	return s.updates
}

func (s *Stream) onEvent(session uint64, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventMessageInserted:
		if ev.Message != nil {
			s.onInserted(session, *ev.Message)
		}
	case realtime.EventResync:
		s.resync(session)
	case realtime.EventChannelLost:
		_ = s.fail(session, apperrors.ErrChannelLost)
	}
}

func (s *Stream) onInserted(session uint64, msg domain.Message) {
	s.mu.Lock()
	if !s.lease.Current(session) || msg.ConversationID != s.conversationID {
		s.mu.Unlock()
		return
	}
	if indexOf(s.messages, msg.ID) >= 0 {
		s.mu.Unlock()
		return
	}
	s.messages = Merge(s.messages, Inserted{Message: msg})
	ackNeeded := s.state == StateReady && !msg.SentBy(s.userID)
	conversationID, userID := s.conversationID, s.userID
	s.mu.Unlock()
	s.notify()

	if ackNeeded {
		s.acknowledge(conversationID, userID)
	}
}

// resync дочитывает историю после восстановления живого канала: вставки,
// пропущенные за время обрыва, попадают в ленту через тот же Merge
func (s *Stream) resync(session uint64) {
	s.mu.Lock()
	if !s.lease.Current(session) || s.state != StateReady {
		// идущая начальная загрузка и так прочитает всю историю
		s.mu.Unlock()
		return
	}
	conversationID, userID := s.conversationID, s.userID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ResyncTimeout)
	defer cancel()
	history, err := s.backend.QueryMessages(ctx, conversationID)

	s.mu.Lock()
	if !s.lease.Current(session) {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.err = fmt.Errorf("failed to resync messages: %w", err)
		s.mu.Unlock()
		s.notify()
		s.log.Warn("Failed to resync conversation", "error", err, "conversation_id", conversationID)
		return
	}
	foreign := false
	for _, m := range Sorted(history) {
		if indexOf(s.messages, m.ID) >= 0 {
			continue
		}
		s.messages = Merge(s.messages, Inserted{Message: m})
		if !m.SentBy(userID) {
			foreign = true
		}
	}
	s.mu.Unlock()
	s.notify()

	s.log.Debug("Conversation stream resynced", "conversation_id", conversationID)
	if foreign {
		s.acknowledge(conversationID, userID)
	}
}

func (s *Stream) fail(session uint64, err error) error {
	s.mu.Lock()
	if !s.lease.Current(session) {
		s.mu.Unlock()
		return nil
	}
	if releaseErr := s.lease.End(); releaseErr != nil {
		s.log.Warn("Failed to release conversation subscription", "error", releaseErr)
	}
	if s.state == StateLoading {
		// недогруженную ленту не показываем; после потери канала показанное остается
		s.messages = nil
	}
	s.state = StateFailed
	s.err = err
	s.mu.Unlock()
	s.notify()

	s.log.Error("Conversation stream failed", "error", err)
	return err
}

// acknowledge - отметка о прочтении "выстрелил и забыл"; ошибка только логируется
func (s *Stream) acknowledge(conversationID, userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.AckTimeout)
		defer cancel()

		if err := s.backend.AcknowledgeRead(ctx, conversationID, userID); err != nil {
			s.log.Warn("Failed to acknowledge read", "error", err, "conversation_id", conversationID)
		}
	}()
}

func (s *Stream) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
