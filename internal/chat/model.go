package chat

import (
	"slices"

	"github.com/samber/lo"
)

// model is the canonical chat state for one session. It is owned by the
// engine loop and never touched from any other goroutine; readers get a
// View instead.
//
// contacts and blocked are disjoint: addContact refuses blocked users
// and block removes the user from contacts.
type model struct {
	contacts []string
	blocked  []string
	pending  []PendingRequest
	online   map[string]struct{}
	logs     map[string][]Message
}

func newModel() *model {
	return &model{
		online: make(map[string]struct{}),
		logs:   make(map[string][]Message),
	}
}

func (m *model) isContact(u string) bool { return lo.Contains(m.contacts, u) }
func (m *model) isBlocked(u string) bool { return lo.Contains(m.blocked, u) }

// addContact appends u to the contact list if it is new and not
// blocked. Returns whether the list changed.
func (m *model) addContact(u string) bool {
	if u == "" || m.isContact(u) || m.isBlocked(u) {
		return false
	}

	m.contacts = append(m.contacts, u)
	if _, ok := m.logs[u]; !ok {
		m.logs[u] = []Message{}
	}

	return true
}

// removeContact drops u from the contact list. The log is kept.
func (m *model) removeContact(u string) {
	m.contacts = lo.Without(m.contacts, u)
}

func (m *model) block(u string) {
	if !m.isBlocked(u) {
		m.blocked = append(m.blocked, u)
	}

	m.contacts = lo.Without(m.contacts, u)
	m.removePending(u)
}

// unblock does not restore u as a contact.
func (m *model) unblock(u string) {
	m.blocked = lo.Without(m.blocked, u)
}

// addPending records a request from u, keeping the first one when the
// server repeats itself.
func (m *model) addPending(u, receivedAt string) bool {
	if u == "" || lo.ContainsBy(m.pending, func(p PendingRequest) bool { return p.From == u }) {
		return false
	}

	m.pending = append(m.pending, PendingRequest{From: u, ReceivedAt: receivedAt})

	return true
}

func (m *model) removePending(u string) {
	m.pending = lo.Reject(m.pending, func(p PendingRequest, _ int) bool { return p.From == u })
}

// setOnline replaces the presence set wholesale.
func (m *model) setOnline(users []string) {
	m.online = lo.SliceToMap(users, func(u string) (string, struct{}) { return u, struct{}{} })
}

// appendMessage adds msg to the tail of contact's log. Logs are never
// re-sorted.
func (m *model) appendMessage(contact string, msg Message) {
	m.logs[contact] = append(m.logs[contact], msg)
}

// receive applies an inbound direct message: the sender becomes a
// contact (unless blocked) and the message is appended to its log.
func (m *model) receive(from, content, timestamp string) {
	m.addContact(from)
	m.appendMessage(from, Message{
		Sender:    from,
		Content:   content,
		Direction: Received,
		Timestamp: NormalizeTimestamp(timestamp),
	})
}

// applySnapshot rebuilds the model from REST results. Contacts are the
// deduplicated friend list followed by history counterparts in first
// seen order, with blocked users excluded. Presence is untouched since
// it only comes from the socket.
func (m *model) applySnapshot(username string, snap *Snapshot) {
	m.blocked = lo.Uniq(lo.Compact(snap.Blocked))
	m.contacts = nil
	m.pending = nil
	m.logs = make(map[string][]Message)

	for _, f := range snap.Friends {
		m.addContact(f)
	}

	for _, p := range snap.Pending {
		m.addPending(p.From, NormalizeTimestamp(p.Timestamp))
	}

	for _, h := range snap.History {
		dir := Received
		counterpart := h.Sender

		if h.Sender == username {
			dir = Sent
			counterpart = h.Recipient
		}

		if counterpart == "" {
			continue
		}

		m.addContact(counterpart)
		m.appendMessage(counterpart, Message{
			Sender:    h.Sender,
			Content:   h.Message,
			Direction: dir,
			Timestamp: NormalizeTimestamp(h.Timestamp),
		})
	}
}

// view returns a deep copy of the model.
func (m *model) view() View {
	online := lo.Keys(m.online)
	slices.Sort(online)

	msgs := make(map[string][]Message, len(m.logs))
	for k, v := range m.logs {
		msgs[k] = slices.Clone(v)
	}

	return View{
		Contacts: cloneOrEmpty(m.contacts),
		Blocked:  cloneOrEmpty(m.blocked),
		Pending:  cloneOrEmpty(m.pending),
		Online:   online,
		Messages: msgs,
	}
}

func cloneOrEmpty[T any](s []T) []T {
	if len(s) == 0 {
		return []T{}
	}

	return slices.Clone(s)
}
