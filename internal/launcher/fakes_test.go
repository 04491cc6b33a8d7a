package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeUnit struct {
	labels map[string]string
	state  UnitState
	// sticky units ignore deletes.
	sticky bool
}

// fakeBackend is an in-memory ClusterBackend that records the order of calls.
type fakeBackend struct {
	mu     sync.Mutex
	units  map[UnitRef]*fakeUnit
	events []string

	listCalls   int
	deleteCalls int
	creates     []UnitSpec

	listErr   error
	createErr error
	stateErr  error
	// stateOverride, when set, replaces the computed unit state.
	stateOverride func(id ExecutionIdentity) (UnitState, bool)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{units: make(map[UnitRef]*fakeUnit)}
}

func (b *fakeBackend) addUnit(ref UnitRef, labels map[string]string, state UnitState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.units[ref] = &fakeUnit{labels: labels, state: state}
}

func (b *fakeBackend) setState(ref UnitRef, state UnitState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.units[ref]; ok {
		u.state = state
	}
}

func (b *fakeBackend) removeUnit(ref UnitRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.units, ref)
}

func (b *fakeBackend) ListNonTerminalUnits(ctx context.Context, labelKey, labelValue string) ([]UnitRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listCalls++
	if b.listErr != nil {
		return nil, b.listErr
	}

	var refs []UnitRef
	for ref, u := range b.units {
		if u.labels[labelKey] == labelValue && u.state == UnitActive {
			refs = append(refs, ref)
		}
	}
	b.events = append(b.events, fmt.Sprintf("list:%d", len(refs)))
	return refs, nil
}

func (b *fakeBackend) Delete(ctx context.Context, ref UnitRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteCalls++
	b.events = append(b.events, "delete:"+ref.Name)
	if u, ok := b.units[ref]; ok && !u.sticky {
		delete(b.units, ref)
	}
	return nil
}

func (b *fakeBackend) Create(ctx context.Context, id ExecutionIdentity, spec UnitSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, "create:"+id.Name)
	if b.createErr != nil {
		return b.createErr
	}
	if _, exists := b.units[id.Ref()]; exists {
		return errors.New("already exists")
	}
	b.creates = append(b.creates, spec)
	b.units[id.Ref()] = &fakeUnit{labels: spec.Labels, state: UnitActive}
	return nil
}

func (b *fakeBackend) UnitState(ctx context.Context, id ExecutionIdentity) (UnitState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateErr != nil {
		return UnitMissing, b.stateErr
	}
	if b.stateOverride != nil {
		if s, ok := b.stateOverride(id); ok {
			return s, nil
		}
	}
	u, ok := b.units[id.Ref()]
	if !ok {
		return UnitMissing, nil
	}
	return u.state, nil
}

func (b *fakeBackend) createCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.creates)
}

func (b *fakeBackend) createdUnit(i int) UnitSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creates[i]
}

func (b *fakeBackend) eventLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// fakeStore is an in-memory StatusStore.
type fakeStore struct {
	mu      sync.Mutex
	records map[string][]byte
	getErr  error
	gets    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string][]byte)}
}

func (s *fakeStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	v, ok := s.records[key]
	return v, ok, nil
}

func (s *fakeStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = append([]byte(nil), value...)
	return nil
}

func (s *fakeStore) setGetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

func (s *fakeStore) record(t *testing.T, id ExecutionIdentity) *StatusRecord {
	t.Helper()
	s.mu.Lock()
	data, ok := s.records[id.Key()]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	rec, err := DecodeStatusRecord(data)
	if err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}
	return rec
}

func putRecord(t *testing.T, s *fakeStore, id ExecutionIdentity, rec StatusRecord) {
	t.Helper()
	data, err := rec.Encode()
	if err != nil {
		t.Fatalf("failed to encode record: %v", err)
	}
	if err := s.Put(context.Background(), id.Key(), data); err != nil {
		t.Fatalf("failed to put record: %v", err)
	}
}

func intPtr(v int) *int {
	return &v
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
