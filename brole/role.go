// Package brole runs the node's roles side by side.
//
// Every role shares one context.
// It is canceled on SIGINT or SIGTERM,
// when the parent context is canceled,
// or as soon as any role fails.
package brole

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Role is an independently scheduled unit of the node.
//
// Run must return once ctx is canceled,
// after finishing any in-flight work.
// Returning an error stops every other role.
type Role interface {
	Name() string
	Run(ctx context.Context) error
}

type funcRole struct {
	name string
	fn   func(context.Context) error
}

func (r funcRole) Name() string                  { return r.name }
func (r funcRole) Run(ctx context.Context) error { return r.fn(ctx) }

// Func adapts fn to a [Role].
func Func(name string, fn func(context.Context) error) Role {
	return funcRole{name: name, fn: fn}
}

// Run runs every role until all have returned.
// It returns the first role error, if any.
func Run(ctx context.Context, log *slog.Logger, roles ...Role) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range roles {
		name := r.Name()
		g.Go(func() error {
			rlog := log.With("role", name)
			rlog.Info("Role starting")

			start := time.Now()
			if err := r.Run(gctx); err != nil {
				rlog.Error("Role failed", "err", err, "after", time.Since(start))
				return fmt.Errorf("role %s: %w", name, err)
			}

			rlog.Info("Role stopped", "after", time.Since(start))
			return nil
		})
	}

	err := g.Wait()
	if cause := context.Cause(ctx); cause != nil {
		log.Info("All roles stopped after shutdown request", "cause", cause)
	}
	return err
}
