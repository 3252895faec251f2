// Package command holds the table of named operations a device exposes to the
// wire, validates their positional arguments and dispatches them.
//
// Dispatch pipeline for one request packet:
//
//	LSCMD? → capability list
//	Lookup op → validate contents.args by position → handler(ctx, device, args)
//	  → ACK {"data": ret, "exectime": seconds} | NAK {"error": msg}
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Handler runs one command against the device owned by a Controller.
type Handler[D any] func(ctx context.Context, dev D, args Args) (any, error)

// Entry is one registered command. Entries are immutable once registered.
type Entry[D any] struct {
	Name     string
	ArgTypes []ArgType
	Kind     Kind
	Handler  Handler[D]
}

// CommandInfo is the wire description of a command returned by LSCMD.
type CommandInfo struct {
	ArgTypes []string `json:"argtypes"`
	Kind     Kind     `json:"kind"`
}

// Registry maps command names to entries. It is filled once at startup and then
// shared read-only by every connection.
type Registry[D any] struct {
	entries map[string]*Entry[D]
}

func NewRegistry[D any]() *Registry[D] {
	return &Registry[D]{entries: make(map[string]*Entry[D])}
}

// Register adds a command. Names must be unique and non-empty.
func (r *Registry[D]) Register(name string, argTypes []ArgType, kind Kind, h Handler[D]) error {
	if name == "" {
		return errors.New("command: empty command name")
	}
	if h == nil {
		return fmt.Errorf("command: nil handler for %q", name)
	}
	if _, dup := r.entries[name]; dup {
		return fmt.Errorf("command: %q already registered", name)
	}
	for i, t := range argTypes {
		if t < Int || t > Dict {
			return fmt.Errorf("command: %q argument %d has invalid type %d", name, i, int(t))
		}
	}
	r.entries[name] = &Entry[D]{
		Name:     name,
		ArgTypes: append([]ArgType(nil), argTypes...),
		Kind:     kind,
		Handler:  h,
	}
	return nil
}

// MustRegister is Register for static declarations; it panics on error.
func (r *Registry[D]) MustRegister(name string, argTypes []ArgType, kind Kind, h Handler[D]) {
	if err := r.Register(name, argTypes, kind, h); err != nil {
		panic(err)
	}
}

func (r *Registry[D]) Lookup(name string) (*Entry[D], bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Names returns the registered command names in sorted order.
func (r *Registry[D]) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Commands describes every registered command. It has no side effects.
func (r *Registry[D]) Commands() map[string]CommandInfo {
	out := make(map[string]CommandInfo, len(r.entries))
	for name, e := range r.entries {
		types := make([]string, len(e.ArgTypes))
		for i, t := range e.ArgTypes {
			types[i] = t.String()
		}
		out[name] = CommandInfo{ArgTypes: types, Kind: e.Kind}
	}
	return out
}

// Validate extracts contents.args and checks it against the declared argument
// types, all or nothing. Contents that are not an object mean no arguments.
func (e *Entry[D]) Validate(contents any) (Args, error) {
	var raw any = []any{}
	if m, ok := contents.(map[string]any); ok {
		if v, ok := m["args"]; ok {
			raw = v
		}
	}

	list, ok := raw.([]any)
	if !ok {
		return nil, &DispatchError{Code: BadArgs, Command: e.Name, Got: TypeName(raw)}
	}
	if len(list) != len(e.ArgTypes) {
		return nil, &DispatchError{Code: Arity, Command: e.Name, Expected: len(e.ArgTypes), Actual: len(list)}
	}

	args := make(Args, len(list))
	for i, t := range e.ArgTypes {
		if got := TypeName(list[i]); got != t.String() {
			return nil, &DispatchError{
				Code:    ArgTypeMismatch,
				Command: e.Name,
				Index:   i,
				Got:     got,
				Want:    t.String(),
			}
		}
		v, ok := t.convert(list[i])
		if !ok {
			return nil, &DispatchError{Code: ArgOutOfRange, Command: e.Name, Index: i, Want: t.String()}
		}
		args[i] = v
	}
	return args, nil
}
