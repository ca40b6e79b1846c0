// Package service implements the custody core: the transition engine, batch
// manager, item registry and incident tracker on top of a store.Store.
package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"custody-tracker/internal/custody"
	"custody-tracker/internal/models"
	"custody-tracker/internal/store"
)

// Actor is the caller as reported by the identity provider.
type Actor struct {
	ID    string
	Roles []models.Role
}

// Has reports whether the actor holds any of roles.
func (a Actor) Has(roles ...models.Role) bool {
	return custody.HasAnyRole(a.Roles, roles...)
}

// Scheduler receives follow-up work after a batch is dispatched.
type Scheduler interface {
	ScheduleOverdueCheck(ctx context.Context, batchID string, at time.Time) error
}

// Service is the entry point for every custody operation.
type Service struct {
	store     store.Store
	rules     *custody.Rules
	retries   int
	backoff   time.Duration
	now       func() time.Time
	scheduler Scheduler
}

type Option func(*Service)

// WithRetries bounds the retries of transient storage failures.
func WithRetries(n int, backoff time.Duration) Option {
	return func(s *Service) {
		s.retries = n
		s.backoff = backoff
	}
}

// WithClock replaces the wall clock; tests use it to pin dates.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithScheduler(sched Scheduler) Option {
	return func(s *Service) { s.scheduler = sched }
}

func New(st store.Store, rules *custody.Rules, opts ...Option) *Service {
	s := &Service{
		store:   st,
		rules:   rules,
		retries: 3,
		backoff: 50 * time.Millisecond,
		now:     store.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rules exposes the active transition table.
func (s *Service) Rules() *custody.Rules {
	return s.rules
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// tx runs fn in a transaction, retrying transient storage failures.
func (s *Service) tx(ctx context.Context, fn func(q store.Queries) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = s.store.WithTx(ctx, fn)
		if err == nil || !s.store.Retryable(err) {
			return err
		}
		if attempt >= s.retries {
			return fmt.Errorf("storage unavailable after %d attempts: %w", attempt+1, err)
		}
		log.Printf("retrying after transient storage error (attempt %d): %v", attempt+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt+1)):
		}
	}
}

func requireActor(a Actor) error {
	if a.ID == "" {
		return custody.Invalid("actor", "acting identity is required")
	}
	return nil
}

func requireRole(a Actor, action string, roles ...models.Role) error {
	if err := requireActor(a); err != nil {
		return err
	}
	if !a.Has(roles...) {
		return fmt.Errorf("%s requires one of %v: %w", action, roles, custody.ErrForbiddenTransition)
	}
	return nil
}
