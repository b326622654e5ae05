package command

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"time"

	"connector/internal/domain"
	"connector/internal/store"
)

// SingleEntityHandler leases the command's entity, applies Modify and saves
// it back. The lease is released on every exit path.
type SingleEntityHandler[E store.Record, C Command] struct {
	Store  store.Store[E]
	States domain.StateSet
	// Modify applies cmd to e and reports whether it was applicable in the
	// current state. It must not block on I/O.
	Modify func(ctx context.Context, e E, cmd C) bool
	// PostActions run after a successful save.
	PostActions []func(ctx context.Context, e E, cmd C)
	Now         func() time.Time
	Logger      *slog.Logger
}

func (h *SingleEntityHandler[E, C]) CommandType() reflect.Type {
	return TypeOf[C]()
}

func (h *SingleEntityHandler[E, C]) Handle(ctx context.Context, raw Command) Result {
	cmd, ok := raw.(C)
	if !ok {
		return NotExecutable("handler for %s cannot run %T", h.CommandType(), raw)
	}
	return h.handle(ctx, cmd)
}

func (h *SingleEntityHandler[E, C]) handle(ctx context.Context, cmd C) Result {
	name := h.CommandType().Name()
	kind := h.States.Kind
	id := cmd.EntityID()
	log := h.logger().With("command", name, "kind", kind, "id", id)

	e, err := h.Store.FindByIDAndLease(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return NotFound("%s %s not found", kind, id)
	case errors.Is(err, store.ErrAlreadyLeased):
		return Conflict("%s %s is being processed, retry later", kind, id)
	case err != nil:
		log.ErrorContext(ctx, "lease failed", "error", err)
		return Conflict("%s %s could not be leased: %v", kind, id, err)
	}

	saved := false
	defer func() {
		if saved {
			return
		}
		if rec := recover(); rec != nil {
			// Partial changes from a panicking Modify are discarded.
			if err := h.Store.BreakLease(context.WithoutCancel(ctx), id); err != nil {
				log.ErrorContext(ctx, "release after panic failed", "error", err)
			}
			panic(rec)
		}
	}()

	applied := h.Modify(ctx, e, cmd)
	base := e.Base()
	if applied {
		base.UpdatedAt = h.now()
	}
	saved = true
	if err := h.Store.Save(context.WithoutCancel(ctx), e); err != nil {
		log.ErrorContext(ctx, "save failed", "error", err)
		if err := h.Store.BreakLease(context.WithoutCancel(ctx), id); err != nil {
			log.ErrorContext(ctx, "release after failed save failed", "error", err)
		}
		return Conflict("%s %s could not be saved: %v", kind, id, err)
	}
	if !applied {
		return Conflict("command %s cannot be executed on %s %s in state %s", name, kind, id, h.States.Name(base.State))
	}
	for _, post := range h.PostActions {
		post(ctx, e, cmd)
	}
	log.DebugContext(ctx, "command applied", "state", h.States.Name(base.State))
	return Success()
}

func (h *SingleEntityHandler[E, C]) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *SingleEntityHandler[E, C]) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
