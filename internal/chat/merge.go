package chat

import (
	"sort"

	"stay_booking/internal/domain"
)

// Event - одно изменение ленты сообщений
type Event interface {
	isEvent()
}

// Optimistic - локальная отправка, еще не записанная на сервере
type Optimistic struct {
	Message domain.Message
}

// Confirmed - запись прошла, сервер вернул строку с настоящим id
type Confirmed struct {
	TempID  string
	Message domain.Message
}

// Failed - запись не удалась, оптимистичную запись нужно убрать
type Failed struct {
	TempID string
}

// Inserted - строка пришла по живому каналу
type Inserted struct {
	Message domain.Message
}

func (Optimistic) isEvent() {}
func (Confirmed) isEvent()  {}
func (Failed) isEvent()     {}
func (Inserted) isEvent()   {}

// Merge применяет событие к ленте и возвращает новую ленту, не трогая исходную.
//
// Лента состоит из подтвержденных сообщений, упорядоченных по CreatedAt
// (равные - в порядке поступления), за которыми идут ожидающие (Pending)
// в порядке локальной отправки. Каждое сообщение присутствует ровно один раз:
// событие с уже известным id игнорируется, подтверждение занимает место
// своей оптимистичной записи, а оптимистичная запись, чей ClientID уже
// записан сервером, не добавляется.
func Merge(seq []domain.Message, ev Event) []domain.Message {
	out := make([]domain.Message, len(seq), len(seq)+1)
	copy(out, seq)

	switch e := ev.(type) {
	case Optimistic:
		if indexOf(out, e.Message.ID) >= 0 || confirmedClientID(out, e.Message.ClientID) {
			return out
		}
		m := e.Message
		m.Pending = true
		return append(out, m)

	case Confirmed:
		out = remove(out, indexOf(out, e.TempID))
		if indexOf(out, e.Message.ID) >= 0 {
			// живой канал успел раньше ответа на запись
			return out
		}
		return insertConfirmed(out, e.Message)

	case Failed:
		i := indexOf(out, e.TempID)
		if i < 0 || !out[i].Pending {
			return out
		}
		return remove(out, i)

	case Inserted:
		if indexOf(out, e.Message.ID) >= 0 {
			return out
		}
		out = remove(out, pendingMatch(out, e.Message))
		return insertConfirmed(out, e.Message)
	}

	return out
}

// Sorted упорядочивает историю, загруженную целиком
func Sorted(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m.Pending = false
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func indexOf(seq []domain.Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range seq {
		if seq[i].ID == id {
			return i
		}
	}
	return -1
}

func remove(seq []domain.Message, i int) []domain.Message {
	if i < 0 {
		return seq
	}
	return append(seq[:i], seq[i+1:]...)
}

// confirmedClientID - строка с этим ClientID уже записана и есть в ленте
func confirmedClientID(seq []domain.Message, clientID string) bool {
	if clientID == "" {
		return false
	}
	for i := range seq {
		if !seq[i].Pending && seq[i].ClientID == clientID {
			return true
		}
	}
	return false
}

// pendingMatch ищет оптимистичную запись, которую подтверждает пришедшая строка:
// сначала по ClientID, а если сервер его не вернул - по автору и содержимому.
func pendingMatch(seq []domain.Message, m domain.Message) int {
	for i := range seq {
		if !seq[i].Pending {
			continue
		}
		if m.ClientID != "" {
			if seq[i].ClientID == m.ClientID {
				return i
			}
			continue
		}
		if m.SenderID != nil && seq[i].SentBy(*m.SenderID) && seq[i].Content.Equal(m.Content) {
			return i
		}
	}
	return -1
}

// insertConfirmed ставит сообщение после всех подтвержденных с CreatedAt <= его,
// но перед первым ожидающим
func insertConfirmed(seq []domain.Message, m domain.Message) []domain.Message {
	m.Pending = false
	pos := len(seq)
	for i := range seq {
		if seq[i].Pending || seq[i].CreatedAt.After(m.CreatedAt) {
			pos = i
			break
		}
	}
	seq = append(seq, domain.Message{})
	copy(seq[pos+1:], seq[pos:])
	seq[pos] = m
	return seq
}
