package qmock

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/kardianos/qauth/qdef"
	"github.com/kardianos/qauth/qstore"
)

// MemoryBackend is an in-memory qstore.Backend with fault injection.
// The "durable" data survives Close and reopen but not Wipe.
type MemoryBackend struct {
	mu       sync.Mutex
	data     map[qdef.Field][]byte
	corrupt  bool
	openErrs []error
	openFail error
	getErr   map[qdef.Field]error
	putErr   map[qdef.Field]error
	delErr   map[qdef.Field]error
	opens    int
	wipes    int
}

var _ qstore.Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data:   make(map[qdef.Field][]byte),
		getErr: make(map[qdef.Field]error),
		putErr: make(map[qdef.Field]error),
		delErr: make(map[qdef.Field]error),
	}
}

// Corrupt makes stored values fail verification and every Open fail with an
// integrity error until the next Wipe.
func (b *MemoryBackend) Corrupt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.corrupt = true
}

// QueueOpenError makes the next len(errs) calls to Open fail in order.
func (b *MemoryBackend) QueueOpenError(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErrs = append(b.openErrs, errs...)
}

// FailOpens makes every Open fail with err. Pass nil to stop.
func (b *MemoryBackend) FailOpens(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openFail = err
}

// FailGet makes reads of f fail with err. Pass nil to stop.
func (b *MemoryBackend) FailGet(f qdef.Field, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	setFault(b.getErr, f, err)
}

// FailPut makes writes of f fail with err. Pass nil to stop.
func (b *MemoryBackend) FailPut(f qdef.Field, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	setFault(b.putErr, f, err)
}

// FailDelete makes deletes of f fail with err. Pass nil to stop.
func (b *MemoryBackend) FailDelete(f qdef.Field, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	setFault(b.delErr, f, err)
}

func setFault(m map[qdef.Field]error, f qdef.Field, err error) {
	if err == nil {
		delete(m, f)
		return
	}
	m[f] = err
}

// Durable returns the persisted value of f, bypassing any mirror.
func (b *MemoryBackend) Durable(f qdef.Field) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[f]
	return bytes.Clone(v), ok
}

// Opens returns how many times Open was called.
func (b *MemoryBackend) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

// Wipes returns how many times Wipe was called.
func (b *MemoryBackend) Wipes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wipes
}

func (b *MemoryBackend) Open() (qstore.Container, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++

	if len(b.openErrs) > 0 {
		err := b.openErrs[0]
		b.openErrs = b.openErrs[1:]
		return nil, &qdef.StoreError{Op: "open", Kind: qdef.KindOf(err), Err: err}
	}
	if b.openFail != nil {
		return nil, &qdef.StoreError{Op: "open", Kind: qdef.KindOf(b.openFail), Err: b.openFail}
	}
	if b.corrupt {
		return nil, &qdef.StoreError{Op: "open", Kind: qdef.KindIntegrity, Err: fmt.Errorf("authentication tag mismatch: %w", qdef.ErrIntegrity)}
	}
	return &memContainer{b: b}, nil
}

func (b *MemoryBackend) Wipe() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wipes++
	clear(b.data)
	b.corrupt = false
	return nil
}

func (b *MemoryBackend) Path() string {
	return "memory"
}

type memContainer struct {
	b      *MemoryBackend
	closed bool
}

func (c *memContainer) check(op string, f qdef.Field, faults map[qdef.Field]error) error {
	if c.closed {
		return &qdef.StoreError{Op: op, Field: f, Kind: qdef.KindClosed, Err: qdef.ErrStoreClosed}
	}
	if err := faults[f]; err != nil {
		return &qdef.StoreError{Op: op, Field: f, Kind: qdef.KindOf(err), Err: err}
	}
	return nil
}

func (c *memContainer) Get(f qdef.Field) ([]byte, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if err := c.check("get", f, c.b.getErr); err != nil {
		return nil, err
	}
	v, ok := c.b.data[f]
	if !ok {
		return nil, nil
	}
	if c.b.corrupt {
		return nil, &qdef.StoreError{Op: "get", Field: f, Kind: qdef.KindIntegrity, Err: qdef.ErrIntegrity}
	}
	return bytes.Clone(v), nil
}

func (c *memContainer) Put(f qdef.Field, value []byte) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if err := c.check("put", f, c.b.putErr); err != nil {
		return err
	}
	c.b.data[f] = bytes.Clone(value)
	return nil
}

func (c *memContainer) Delete(f qdef.Field) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if err := c.check("delete", f, c.b.delErr); err != nil {
		return err
	}
	delete(c.b.data, f)
	return nil
}

func (c *memContainer) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.closed = true
	return nil
}
