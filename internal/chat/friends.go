package chat

import (
	"context"

	"github.com/samber/lo"
	"golang.org/x/text/cases"
)

// Friend graph operations. Each one makes its REST call on the caller's
// goroutine and, only on success, submits the local change to the loop.
// The change is dropped if the session that issued the call has since
// ended. Server rejections come back unchanged (see APIError) and leave
// the model untouched.

// SendRequest sends a friend request to target. Outgoing requests are
// not tracked locally.
func (e *Engine) SendRequest(ctx context.Context, target string) error {
	s, _, err := e.activeSession()
	if err != nil {
		return err
	}

	return e.api.SendRequest(ctx, s.Username, target)
}

// Respond answers a pending request from `from`. Accept adds a contact
// (idempotent with a racing friend_request_accepted push); block moves
// the user to the blocked set.
func (e *Engine) Respond(ctx context.Context, from string, action Action) error {
	s, epoch, err := e.activeSession()
	if err != nil {
		return err
	}

	if err := e.api.Respond(ctx, s.Username, from, action); err != nil {
		return err
	}

	return e.mutate(ctx, epoch, func(m *model) {
		m.removePending(from)

		switch action {
		case Accept:
			m.addContact(from)
		case Block:
			m.block(from)
		}
	})
}

// Remove drops contact from the contact list. Its message log stays.
func (e *Engine) Remove(ctx context.Context, contact string) error {
	s, epoch, err := e.activeSession()
	if err != nil {
		return err
	}

	if err := e.api.RemoveFriend(ctx, s.Username, contact); err != nil {
		return err
	}

	return e.mutate(ctx, epoch, func(m *model) { m.removeContact(contact) })
}

// Block adds target to the blocked set and removes it from contacts and
// pending requests.
func (e *Engine) Block(ctx context.Context, target string) error {
	s, epoch, err := e.activeSession()
	if err != nil {
		return err
	}

	if err := e.api.Block(ctx, s.Username, target); err != nil {
		return err
	}

	return e.mutate(ctx, epoch, func(m *model) { m.block(target) })
}

// Unblock removes target from the blocked set. It does not come back as
// a contact.
func (e *Engine) Unblock(ctx context.Context, target string) error {
	s, epoch, err := e.activeSession()
	if err != nil {
		return err
	}

	if err := e.api.Unblock(ctx, s.Username, target); err != nil {
		return err
	}

	return e.mutate(ctx, epoch, func(m *model) { m.unblock(target) })
}

// Search asks the server for matching usernames and filters out the
// session user and existing contacts. Results are advisory.
func (e *Engine) Search(ctx context.Context, query string) ([]string, error) {
	s, _, err := e.activeSession()
	if err != nil {
		return nil, err
	}

	users, err := e.api.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	return filterSearch(users, s.Username, e.View().Contacts), nil
}

func (e *Engine) mutate(ctx context.Context, epoch uint64, fn func(*model)) error {
	return e.submit(ctx, func(context.Context) error {
		if epoch != e.epoch {
			e.logger.Debug("dropping friend update for ended session")
			return nil
		}

		e.applyOrDefer(func() { fn(e.model) })

		return nil
	})
}

// filterSearch removes self and contacts from results. The server routes
// usernames case-insensitively, so comparison uses Unicode case folding.
func filterSearch(results []string, self string, contacts []string) []string {
	fold := cases.Fold()

	excluded := lo.SliceToMap(contacts, func(c string) (string, struct{}) {
		return fold.String(c), struct{}{}
	})
	excluded[fold.String(self)] = struct{}{}

	return lo.Filter(lo.Uniq(results), func(u string, _ int) bool {
		_, skip := excluded[fold.String(u)]
		return !skip && u != ""
	})
}

