package remote

import (
	"context"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
)

// Op names a Store method for fault injection.
type Op string

const (
	OpPut    Op = "put"
	OpGet    Op = "get"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// FaultFunc decides whether a call fails. A nil return lets the call
// proceed.
type FaultFunc func(ctx context.Context, op Op, key string) error

// Memory is an in-process Store used for local development and tests. It
// supports scripted failures.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	script  []error
	fault   FaultFunc
	calls   map[Op]int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		calls:   make(map[Op]int),
	}
}

// FailNext makes the next len(errs) calls fail with errs in order. A nil
// entry lets that call succeed.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	m.script = append(m.script, errs...)
	m.mu.Unlock()
}

// SetFault installs a fault function consulted after the script.
func (m *Memory) SetFault(f FaultFunc) {
	m.mu.Lock()
	m.fault = f
	m.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func (m *Memory) before(ctx context.Context, op Op, key string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Transient(string(op), err)
	}
	m.mu.Lock()
	m.calls[op]++
	var scripted error
	hasScript := len(m.script) > 0
	if hasScript {
		scripted = m.script[0]
		m.script = m.script[1:]
	}
	fault := m.fault
	m.mu.Unlock()

	if hasScript && scripted != nil {
		return scripted
	}
	if fault != nil {
		return fault(ctx, op, key)
	}
	return nil
}

// Put implements Store.
func (m *Memory) Put(ctx context.Context, key string, data []byte) error {
	if err := m.before(ctx, OpPut, key); err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.before(ctx, OpGet, key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, apperrors.New(apperrors.ErrNotFound, "object "+key+" not found")
	}
	return append([]byte(nil), data...), nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := m.before(ctx, OpDelete, key); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// List implements Store.
func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := m.before(ctx, OpList, prefix); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
