// Package command routes external mutation requests to exactly one handler
// per command type. Handlers mutate a single leased entity.
package command

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// Command is an immutable instruction aimed at one entity.
type Command interface {
	EntityID() string
}

type Status string

const (
	StatusSuccess       Status = "success"
	StatusNotFound      Status = "not_found"
	StatusConflict      Status = "conflict"
	StatusNotExecutable Status = "not_executable"
)

type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

func (r Result) Succeeded() bool { return r.Status == StatusSuccess }

func Success() Result { return Result{Status: StatusSuccess} }

func NotFound(format string, args ...any) Result {
	return Result{Status: StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) Result {
	return Result{Status: StatusConflict, Message: fmt.Sprintf(format, args...)}
}

func NotExecutable(format string, args ...any) Result {
	return Result{Status: StatusNotExecutable, Message: fmt.Sprintf(format, args...)}
}

type Handler interface {
	// CommandType is the dynamic type this handler accepts.
	CommandType() reflect.Type
	Handle(ctx context.Context, cmd Command) Result
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[reflect.Type]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[reflect.Type]Handler)}
}

// Register binds h to its command type. A second handler for the same type
// is an error.
func (r *Registry) Register(h Handler) error {
	t := h.CommandType()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[t]; ok {
		return fmt.Errorf("handler for %s already registered", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Execute(ctx context.Context, cmd Command) Result {
	if cmd == nil {
		return NotExecutable("nil command")
	}
	t := reflect.TypeOf(cmd)
	r.mu.RLock()
	h, ok := r.handlers[t]
	r.mu.RUnlock()
	if !ok {
		return NotExecutable("no handler registered for %s", t)
	}
	return h.Handle(ctx, cmd)
}

// TypeOf returns the registry key for commands of type C.
func TypeOf[C Command]() reflect.Type {
	return reflect.TypeOf((*C)(nil)).Elem()
}
