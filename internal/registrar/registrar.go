// Package registrar notifies the rest of the system when the set of locally
// available models of a category changes.
package registrar

import (
	"context"
	"errors"

	"github.com/990248516/sd-modelsync/internal/category"
	"github.com/990248516/sd-modelsync/internal/events"
)

// Registrar receives model index updates. Calls are synchronous; callers
// log failures and carry on.
type Registrar interface {
	// Register announces that the category's local set changed. ids holds
	// the identifiers materialized by the cycle that triggered the call.
	Register(ctx context.Context, c category.Category, ids []string) error

	// Deregister announces that one model was removed from local disk.
	Deregister(ctx context.Context, c category.Category, id string) error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Register(context.Context, category.Category, []string) error { return nil }
func (Nop) Deregister(context.Context, category.Category, string) error { return nil }

// Multi fans notifications out to several registrars. Every registrar is
// called; errors are joined.
type Multi []Registrar

func (m Multi) Register(ctx context.Context, c category.Category, ids []string) error {
	var errs []error
	for _, r := range m {
		if err := r.Register(ctx, c, ids); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Deregister(ctx context.Context, c category.Category, id string) error {
	var errs []error
	for _, r := range m {
		if err := r.Deregister(ctx, c, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Events publishes notifications to a broadcaster.
type Events struct {
	B *events.Broadcaster
}

func (e Events) Register(_ context.Context, c category.Category, ids []string) error {
	if len(ids) == 0 {
		e.B.Publish(events.Event{Type: events.EventRegister, Category: c.Slug()})
		return nil
	}
	for _, id := range ids {
		e.B.Publish(events.Event{Type: events.EventRegister, Category: c.Slug(), Identifier: id})
	}
	return nil
}

// Deregister publishes nothing: removals and evictions publish their own
// delete and evict events, which carry the key as well.
func (e Events) Deregister(context.Context, category.Category, string) error { return nil }
