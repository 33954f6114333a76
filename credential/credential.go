// Package credential maintains a JWT credential across its lifetime: a
// long-running loop re-fetches the token before it expires and reschedules
// itself against the new expiry, using a half-life heuristic.
package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Source fetches a fresh JWT credential. Implementations talk to whatever
// external authority issues the token (a login endpoint, a device-linking
// flow, a sibling service) — the loop only cares about the string it gets
// back.
type Source interface {
	FetchToken(ctx context.Context) (string, error)
}

// Credential holds the current token and keeps it fresh via a background
// loop. The zero value is not usable; construct with New.
type Credential struct {
	source Source

	mu    sync.RWMutex
	token string
	exp   time.Time
}

// New creates a Credential with no token until the first Refresh or Run
// iteration completes.
func New(source Source) *Credential {
	return &Credential{source: source}
}

// Token returns the current token. Safe for concurrent use while Run is
// active.
func (c *Credential) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Refresh fetches a new token from the source, decodes its expiry claim,
// and stores both.
func (c *Credential) Refresh(ctx context.Context) error {
	token, err := c.source.FetchToken(ctx)
	if err != nil {
		return fmt.Errorf("credential: fetch token: %w", err)
	}

	exp, err := expiryOf(token)
	if err != nil {
		return fmt.Errorf("credential: decode token expiry: %w", err)
	}

	c.mu.Lock()
	c.token = token
	c.exp = exp
	c.mu.Unlock()
	return nil
}

// expiryOf reads the exp claim without verifying the signature: this loop
// trusts the issuing Source, not the token's own signature, to vouch for
// the credential.
func expiryOf(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("credential: token carries no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

// nextRefresh applies the half-life heuristic: refresh almost immediately
// once remaining lifetime drops under a second, otherwise wait until half
// of what remains has elapsed.
func nextRefresh(now, exp time.Time) time.Duration {
	remaining := exp.Sub(now)
	if remaining < time.Second {
		return 0
	}
	return remaining / 2
}

// Run refreshes immediately, then loops: sleep until the half-life
// heuristic says it's time, refresh again, repeat. Returns when ctx is
// canceled or a refresh fails.
func (c *Credential) Run(ctx context.Context) error {
	log := zerolog.Ctx(ctx).With().Str("component", "credential").Logger()

	if err := c.Refresh(ctx); err != nil {
		return err
	}

	for {
		c.mu.RLock()
		exp := c.exp
		c.mu.RUnlock()

		wait := nextRefresh(time.Now(), exp)
		log.Debug().Dur("wait", wait).Time("exp", exp).Msg("scheduled next refresh")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if err := c.Refresh(ctx); err != nil {
			log.Err(err).Msg("credential refresh failed")
			return err
		}
	}
}
