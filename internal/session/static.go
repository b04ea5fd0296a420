// Package session supplies the identity the chat engine runs under.
// Credential issuance happens elsewhere; providers only hand over an
// already issued username and token and forget it on logout.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

// Static serves one session fixed at startup, either from configuration
// or from the session cached in the state database by a previous run.
// Configured credentials are written to the cache so a later run
// without them resumes the same session.
type Static struct {
	logger     *slog.Logger
	store      *state.State
	configured *chat.Session
}

// NewStatic returns a provider for the given credentials. Empty username
// means "use the cached session, if any". store may be nil.
func NewStatic(username, token string, store *state.State, logger *slog.Logger) *Static {
	p := &Static{logger: logger, store: store}

	if username != "" {
		p.configured = &chat.Session{Username: username, Token: token}
	}

	return p
}

// Watch emits the session once and blocks until ctx is done.
func (p *Static) Watch(ctx context.Context, onChange func(*chat.Session)) error {
	s, err := p.resolve()
	if err != nil {
		return err
	}

	if s == nil {
		p.logger.Warn("no session configured or cached, waiting idle")
	} else {
		p.logger.Info("using session", slog.String("username", s.Username))
		onChange(s)
	}

	<-ctx.Done()

	return nil
}

func (p *Static) resolve() (*chat.Session, error) {
	if p.configured != nil {
		if p.store != nil {
			cs := state.CachedSession{Username: p.configured.Username, Token: p.configured.Token}
			if err := p.store.SetSession(cs); err != nil {
				p.logger.Warn("failed to cache session", slog.String("error", err.Error()))
			}
		}

		s := *p.configured

		return &s, nil
	}

	if p.store == nil {
		return nil, nil
	}

	cs, err := p.store.Session()
	if err != nil {
		return nil, fmt.Errorf("reading cached session: %w", err)
	}

	if cs == nil || cs.Username == "" || cs.Token == "" {
		return nil, nil
	}

	return &chat.Session{Username: cs.Username, Token: cs.Token}, nil
}

// Logout drops the cached session so the next run does not resume it.
// The engine has already ended the session by the time this is called.
func (p *Static) Logout(reason string) error {
	p.logger.Info("session logged out", slog.String("reason", reason))

	if p.store == nil {
		return nil
	}

	if err := p.store.ClearSession(); err != nil {
		return fmt.Errorf("clearing cached session: %w", err)
	}

	return nil
}
