package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"collab-engine/backend/internal/ot"
	"collab-engine/backend/internal/session"
)

func replay(t *testing.T, ops []ot.Operation) string {
	t.Helper()
	text, err := ot.Replay(ops)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return text
}

func TestScenarioPageP1(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, b := actor("A"), actor("B")

	snap := h.join(t, a, "page", "p1")
	if len(snap.Users) != 1 || snap.Version != 0 {
		t.Fatalf("after A joined: %+v", snap)
	}

	r1, err := h.svc.Submit(ctx, a, "page:p1", insert(0, "hi"))
	if err != nil {
		t.Fatalf("A submit: %v", err)
	}
	if r1.Version != 1 || r1.Operation.Position != 0 {
		t.Fatalf("op1 = %+v", r1)
	}

	snap = h.join(t, b, "page", "p1")
	if snap.Version != 1 || len(snap.Operations) != 1 || len(snap.Users) != 2 {
		t.Fatalf("B snapshot = %+v", snap)
	}

	h.clock.Advance(time.Millisecond)
	raw := insert(0, "yo")
	raw.BaseVersion = u64(0) // B had not applied op1
	r2, err := h.svc.Submit(ctx, b, "page:p1", raw)
	if err != nil {
		t.Fatalf("B submit: %v", err)
	}
	if r2.Version != 2 || r2.Operation.Position != 2 {
		t.Fatalf("op2 = %+v", r2.Operation)
	}

	st := h.state(t, "page:p1")
	if got := replay(t, st.Operations); got != "hiyo" {
		t.Fatalf("content = %q", got)
	}

	applied := h.rec.ofType(EventOperationApplied)
	if len(applied) != 2 || applied[1].Version != 2 || applied[1].Origin != "conn-B" || applied[1].Operation.Position != 2 {
		t.Fatalf("operation-applied = %+v", applied)
	}
}

func TestSubmitAssignsServerFields(t *testing.T) {
	h := newHarness(t, nil)
	a := actor("a")
	h.join(t, a, "page", "p1")
	raw := insert(0, "x")
	raw.ClientID = "c-1"
	res, err := h.svc.Submit(context.Background(), a, "page:p1", raw)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	op := res.Operation
	if op.UserID != "a" || !op.Timestamp.Equal(t0) || op.ClientID != "c-1" || op.Version != 1 {
		t.Fatalf("op = %+v", op)
	}
	want := fmt.Sprintf("%d-a-", t0.UnixNano())
	if len(op.ID) != len(want)+8 || op.ID[:len(want)] != want {
		t.Fatalf("id = %q", op.ID)
	}
}

func TestVersionsIncreaseByOne(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	users := []Actor{actor("a"), actor("b"), actor("c")}
	for _, u := range users {
		h.join(t, u, "document", "d1")
	}
	const n = 30
	for i := 0; i < n; i++ {
		u := users[i%len(users)]
		res, err := h.svc.Submit(ctx, u, "document:d1", insert(0, "x"))
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		if res.Version != uint64(i+1) {
			t.Fatalf("submit %d got version %d", i, res.Version)
		}
	}

	late := h.join(t, actor("late"), "document", "d1")
	if late.Version != n || len(late.Operations) != n {
		t.Fatalf("late snapshot: version %d, %d ops", late.Version, len(late.Operations))
	}
	seen := map[uint64]bool{}
	for i, op := range late.Operations {
		if op.Version != uint64(i+1) || seen[op.Version] {
			t.Fatalf("op %d has version %d", i, op.Version)
		}
		seen[op.Version] = true
	}
}

func TestLogIsTruncated(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.LogSize = 5 })
	a := actor("a")
	h.join(t, a, "page", "p1")
	for i := 0; i < 8; i++ {
		if _, err := h.svc.Submit(context.Background(), a, "page:p1", insert(0, "x")); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	snap := h.join(t, actor("b"), "page", "p1")
	if snap.Version != 8 || len(snap.Operations) != 5 || snap.Operations[0].Version != 4 {
		t.Fatalf("snapshot: version %d, %d ops, first %d", snap.Version, len(snap.Operations), snap.Operations[0].Version)
	}
}

func TestConcurrentInsertsAtSamePosition(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, b := actor("a"), actor("b")
	h.join(t, a, "page", "p1")
	h.join(t, b, "page", "p1")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, tc := range []struct {
		who  Actor
		text string
	}{{a, "AAA"}, {b, "BBB"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw := insert(0, tc.text)
			raw.BaseVersion = u64(0)
			_, err := h.svc.Submit(ctx, tc.who, "page:p1", raw)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	st := h.state(t, "page:p1")
	if st.Version != 2 {
		t.Fatalf("version = %d", st.Version)
	}
	// equal timestamps: the smaller user id takes the earlier slot
	if got := replay(t, st.Operations); got != "AAABBB" {
		t.Fatalf("content = %q", got)
	}
}

func TestSameUserOperationsAreNotTransformed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := actor("a")
	h.join(t, a, "page", "p1")
	_, _ = h.svc.Submit(ctx, a, "page:p1", insert(0, "ab"))

	raw := insert(2, "c")
	raw.BaseVersion = u64(0)
	res, err := h.svc.Submit(ctx, a, "page:p1", raw)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Operation.Position != 2 {
		t.Fatalf("own op shifted to %d", res.Operation.Position)
	}
}

func TestDeleteAgainstConcurrentInsert(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, b := actor("a"), actor("b")
	h.join(t, a, "page", "p1")
	h.join(t, b, "page", "p1")
	_, _ = h.svc.Submit(ctx, a, "page:p1", insert(0, "hello world"))

	// a inserts at the front while b, at version 1, deletes "world"
	_, _ = h.svc.Submit(ctx, a, "page:p1", insert(0, ">> "))
	del := RawOperation{Type: ot.KindDelete, Position: 6, Length: 5, BaseVersion: u64(1)}
	res, err := h.svc.Submit(ctx, b, "page:p1", del)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Operation.Position != 9 {
		t.Fatalf("delete at %d", res.Operation.Position)
	}
	if got := replay(t, h.state(t, "page:p1").Operations); got != ">> hello " {
		t.Fatalf("content = %q", got)
	}
}

func TestDuplicateSubmitIsAcknowledged(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := actor("a")
	h.join(t, a, "page", "p1")
	raw := insert(0, "x")
	raw.ClientID = "retry-me"

	first, err := h.svc.Submit(ctx, a, "page:p1", raw)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.clock.Advance(time.Second)
	second, err := h.svc.Submit(ctx, a, "page:p1", raw)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !second.Duplicate || second.Version != first.Version || second.Operation.ID != first.Operation.ID {
		t.Fatalf("resubmit = %+v, first = %+v", second, first)
	}
	if st := h.state(t, "page:p1"); st.Version != 1 || len(st.Operations) != 1 {
		t.Fatalf("duplicate applied: version %d", st.Version)
	}
	if n := len(h.rec.ofType(EventOperationApplied)); n != 1 {
		t.Fatalf("operation-applied broadcast %d times", n)
	}

	// the same client id from another user is a different operation
	b := actor("b")
	h.join(t, b, "page", "p1")
	other, err := h.svc.Submit(ctx, b, "page:p1", raw)
	if err != nil || other.Duplicate || other.Version != 2 {
		t.Fatalf("other user: %+v %v", other, err)
	}
}

func TestLegacyIDIsClientID(t *testing.T) {
	h := newHarness(t, nil)
	a := actor("a")
	h.join(t, a, "page", "p1")
	raw := insert(0, "x")
	raw.LegacyID = "old-client"
	_, _ = h.svc.Submit(context.Background(), a, "page:p1", raw)
	res, err := h.svc.Submit(context.Background(), a, "page:p1", raw)
	if err != nil || !res.Duplicate || res.Operation.ClientID != "old-client" {
		t.Fatalf("got %+v %v", res, err)
	}
}

func TestSubmitRejects(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.LogSize = 2 })
	ctx := context.Background()
	a := actor("a")
	h.join(t, a, "page", "p1")
	for i := 0; i < 4; i++ {
		_, _ = h.svc.Submit(ctx, a, "page:p1", insert(0, "x"))
	}

	stale := insert(0, "y")
	stale.BaseVersion = u64(1)
	ahead := insert(0, "y")
	ahead.BaseVersion = u64(9)

	cases := []struct {
		name  string
		actor Actor
		raw   RawOperation
		want  error
	}{
		{"invalid variant", a, RawOperation{Type: ot.KindDelete, Position: 0}, ErrInvalidOperation},
		{"unknown type", a, RawOperation{Type: "paint"}, ErrInvalidOperation},
		{"not a member", actor("z"), insert(0, "y"), ErrNotMember},
		{"base older than log", a, stale, ErrStaleBase},
		{"base ahead of room", a, ahead, ErrInvalidOperation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Submit(ctx, tc.actor, "page:p1", tc.raw)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if st := h.state(t, "page:p1"); st.Version != 4 {
		t.Fatalf("rejected ops changed version to %d", st.Version)
	}

	// base at the oldest retained version is still fine
	ok := insert(0, "y")
	ok.BaseVersion = u64(2)
	if _, err := h.svc.Submit(ctx, a, "page:p1", ok); err != nil {
		t.Fatalf("Submit at oldest base: %v", err)
	}
}

type conflictStore struct {
	session.Store
	calls int
}

func (s *conflictStore) Transaction(context.Context, string, session.Mutator) (*session.RoomState, error) {
	s.calls++
	return nil, session.ErrConflict
}

func TestConflictRetriesThenGivesUp(t *testing.T) {
	store := &conflictStore{Store: session.NewMemoryStore(time.Hour)}
	h := newHarness(t, func(o *Options) {
		o.Store = store
		o.MaxRetries = 3
	})
	_, err := h.svc.Submit(context.Background(), actor("a"), "page:p1", insert(0, "x"))
	var ce *ConflictError
	if !errors.As(err, &ce) || !errors.Is(err, ErrTransformConflict) {
		t.Fatalf("err = %v", err)
	}
	if ce.RetryAfter != 8*time.Millisecond {
		t.Fatalf("retry after %v", ce.RetryAfter)
	}
	if store.calls != 4 {
		t.Fatalf("attempts = %d", store.calls)
	}
	if ErrorCode(err) != "TRANSFORM_CONFLICT" {
		t.Fatalf("code = %s", ErrorCode(err))
	}
}

type downStore struct{ session.Store }

func (downStore) Transaction(context.Context, string, session.Mutator) (*session.RoomState, error) {
	return nil, fmt.Errorf("%w: dial tcp: refused", session.ErrUnavailable)
}

func TestStoreUnavailableSurfaces(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Store = downStore{} })
	_, err := h.svc.Join(context.Background(), actor("a"), "page", "p1")
	if !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, session.ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if len(h.rec.all()) != 0 {
		t.Fatalf("failed join broadcast")
	}
}

func TestSubmitBusy(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxConcurrentSubmits = 1 })
	a := actor("a")
	h.join(t, a, "page", "p1")
	if err := h.svc.submitSem.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_, err := h.svc.Submit(context.Background(), a, "page:p1", insert(0, "x"))
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v", err)
	}
	_ = h.svc.submitSem.Release()
	if _, err := h.svc.Submit(context.Background(), a, "page:p1", insert(0, "x")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}
