// Package scheduler implements the event loop of spec.md §4.5: an initial
// full pass, then a sleep computed from the earliest of {token re-auth,
// lease renewal, dynamic re-evaluation} deadlines, waking to do the
// minimum work required and to fire hooks.
package scheduler

import (
	"context"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/gocardless/rconfd/internal/cache"
	"github.com/gocardless/rconfd/internal/metrics"
	"github.com/gocardless/rconfd/internal/secret"
	"github.com/gocardless/rconfd/internal/template"
	"github.com/gocardless/rconfd/internal/vault"
)

// defaultDynamicRefreshInterval is used to compute next_dynamic_refresh
// when exe:dynamic secrets are declared but no lease exists yet to derive
// a tighter bound from.
const defaultDynamicRefreshInterval = 30 * time.Second

const maxBackoff = 60 * time.Second

// ErrNoLeasedSecrets is returned by Run when the first pass succeeded but no
// leased secret and no exe:dynamic input exists, so there is nothing to
// keep the daemon alive for: spec.md §4.5's "no leased secrets used" exit.
var ErrNoLeasedSecrets = errNoLeasedSecrets{}

type errNoLeasedSecrets struct{}

func (errNoLeasedSecrets) Error() string { return "no leased secrets used" }

// ErrFatal wraps the first pass's failure when it produced no output at
// all - the only case spec.md §4.5 treats as a hard startup failure.
type ErrFatal struct {
	Errs map[string]error
}

func (e *ErrFatal) Error() string {
	return "first pass failed for every template"
}

// Scheduler is the process-wide event loop. It owns the Vault client and
// the secret cache for the lifetime of the process, matching the design
// note in spec.md §9 that session data is held by the scheduler task and
// handed to fetches by shared read-only reference within a pass - so no
// locking is required around that ownership (the cache's own internal
// locking only protects its concurrent-fetch bookkeeping).
type Scheduler struct {
	Pipeline *template.Pipeline
	Cache    *cache.Cache
	Vault    *vault.Client // nil if no vault: secret is ever declared
	Logger   logr.Logger
	ReadyFD  *os.File

	declaredExeDynamic []secret.Path
}

// Run drives the scheduler until ctx is cancelled (SIGINT/SIGTERM/SIGQUIT)
// or a terminal condition is reached (no leased secrets used; fatal first
// pass).
func (s *Scheduler) Run(ctx context.Context) error {
	s.declaredExeDynamic = s.collectExeDynamic()

	outcome := s.runPass(ctx)
	if !outcome.AnySucceeded && len(outcome.TemplateErrors) > 0 {
		return &ErrFatal{Errs: outcome.TemplateErrors}
	}

	s.signalReady(outcome)

	if len(s.Cache.LeasedEntries()) == 0 && len(s.declaredExeDynamic) == 0 {
		s.Logger.Info("no leased secrets used", "event", "scheduler.exit_no_leases")
		return ErrNoLeasedSecrets
	}

	return s.runLoop(ctx)
}

func (s *Scheduler) collectExeDynamic() []secret.Path {
	var out []secret.Path
	for _, r := range s.Pipeline.Records {
		ps, err := r.ParsedSecrets()
		if err != nil {
			continue
		}
		for _, p := range ps {
			if p.Backend == secret.Exe && p.ExeModifier() == "dynamic" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (s *Scheduler) signalReady(outcome template.Outcome) {
	if !outcome.FirstSuccessThisCall || s.ReadyFD == nil {
		return
	}

	if _, err := s.ReadyFD.WriteString("\n"); err != nil {
		s.Logger.Error(err, "failed to write readiness fd", "event", "scheduler.ready_fd_failed")
	}
	if err := s.ReadyFD.Close(); err != nil {
		s.Logger.Error(err, "failed to close readiness fd", "event", "scheduler.ready_fd_failed")
	}
}

// runPass runs one pipeline pass and logs its outcome.
func (s *Scheduler) runPass(ctx context.Context) template.Outcome {
	outcome := s.Pipeline.Run(ctx)
	metrics.ObservePass(outcome.AnySucceeded)

	for key, err := range outcome.TemplateErrors {
		s.Logger.Error(err, "template skipped", "event", "pass.template_error", "template", key)
	}

	s.Logger.Info("pass complete",
		"event", "pass.complete",
		"changed", len(outcome.ChangedTemplates),
		"failed", len(outcome.TemplateErrors),
	)

	return outcome
}

// runLoop is the Running state: sleep until the earliest deadline, wake,
// do the minimum required work, repeat, with exponential backoff applied
// only across fully-failed passes.
func (s *Scheduler) runLoop(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = maxBackoff
	bo.MaxElapsedTime = 0 // retry indefinitely; the scheduler itself decides when to stop

	for {
		wakeAt := s.nextWake()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(wakeAt)):
		}

		if err := s.wake(ctx); err != nil {
			d := bo.NextBackOff()
			s.Logger.Error(err, "pass failed, backing off", "event", "scheduler.backoff", "delay", d.String())

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
			continue
		}

		bo.Reset()
	}
}

// wake performs due token renewals, due lease renewals, and re-runs the
// pipeline - which, thanks to the cache's static-once bookkeeping, only
// actually re-fetches what is due and only actually rewrites files whose
// content changed.
func (s *Scheduler) wake(ctx context.Context) error {
	now := time.Now()

	if s.Vault != nil {
		for _, role := range s.Vault.Roles() {
			session, ok := s.Vault.Session(role)
			if !ok || now.Before(session.AuthDeadline()) {
				continue
			}
			if _, err := s.Vault.RenewToken(ctx, role); err != nil {
				return err
			}
		}

		for id, entry := range s.Cache.LeasedEntries() {
			if now.Before(entry.Lease.RenewDeadline()) {
				continue
			}

			session, _ := s.Vault.Session(entry.Path.Role())
			token := ""
			if session != nil {
				token = session.Token
			}

			if entry.Lease.Renewable {
				renewed, err := s.Vault.RenewLease(ctx, token, *entry.Lease)
				if err != nil {
					// Renewal failed: fall back to a full re-fetch next pass.
					s.Cache.Delete(id)
					continue
				}
				s.Cache.Set(id, &cache.Entry{Path: entry.Path, Value: entry.Value, Lease: renewed, FetchedAt: now})
			} else {
				s.Cache.Delete(id)
			}
		}
	}

	outcome := s.runPass(ctx)
	if !outcome.AnySucceeded && len(outcome.TemplateErrors) > 0 {
		return templateErrorsErr(outcome.TemplateErrors)
	}

	return nil
}

func (s *Scheduler) nextWake() time.Time {
	wake := time.Now().Add(defaultDynamicRefreshInterval)
	haveBound := len(s.declaredExeDynamic) > 0

	if s.Vault != nil {
		for _, role := range s.Vault.Roles() {
			session, ok := s.Vault.Session(role)
			if !ok {
				continue
			}
			if d := session.AuthDeadline(); !haveBound || d.Before(wake) {
				wake = d
				haveBound = true
			}
		}
	}

	for _, entry := range s.Cache.LeasedEntries() {
		if d := entry.Lease.RenewDeadline(); !haveBound || d.Before(wake) {
			wake = d
			haveBound = true
		}
	}

	if !haveBound {
		// No leases and no exe:dynamic: runLoop is never reached in that
		// case (Run exits with ErrNoLeasedSecrets first), but guard anyway.
		wake = time.Now().Add(defaultDynamicRefreshInterval)
	}

	return wake
}

type templateErrorsErr map[string]error

func (e templateErrorsErr) Error() string {
	return "one or more templates failed during scheduled pass"
}
