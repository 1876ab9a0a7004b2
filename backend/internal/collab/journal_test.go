package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"collab-engine/backend/internal/ot"
)

func expectRoom(roomID string) mocks.ValueChecker {
	return func(val []byte) error {
		var evt OpEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventOpApplied || evt.RoomID != roomID {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	}
}

func TestKafkaJournalRetries(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(expectRoom("page:p1"))

	j := NewKafkaJournal(sp, "collab-ops", nil, KafkaJournalOptions{Workers: 1, MaxRetry: 2, BaseBackoff: time.Millisecond})
	err := j.Enqueue(context.Background(), OpEvent{EventType: EventOpApplied, RoomID: "page:p1", OperationID: "op-1", Version: 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sp.Close(); err != nil {
		t.Fatalf("producer: %v", err)
	}
}

func TestKafkaJournalDropsAfterMaxRetry(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	j := NewKafkaJournal(sp, "collab-ops", nil, KafkaJournalOptions{Workers: 1, MaxRetry: 1, BaseBackoff: time.Millisecond, MaxInFlight: 1})
	_ = j.Enqueue(context.Background(), OpEvent{RoomID: "page:p1"})
	_ = j.Close()
	if err := sp.Close(); err != nil {
		t.Fatalf("producer: %v", err)
	}
	if err := j.Enqueue(context.Background(), OpEvent{}); !errors.Is(err, ErrJournalClosed) {
		t.Fatalf("Enqueue after Close: %v", err)
	}
}

type chanJournal chan OpEvent

func (c chanJournal) Enqueue(ctx context.Context, evt OpEvent) error {
	select {
	case c <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSubmitExportsToJournal(t *testing.T) {
	journal := make(chanJournal, 4)
	h := newHarness(t, func(o *Options) { o.Journal = journal })
	a := actor("a")
	h.join(t, a, "page", "p1")
	raw := insert(0, "x")
	raw.ClientID = "c1"
	res, err := h.svc.Submit(context.Background(), a, "page:p1", raw)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, _ = h.svc.Submit(context.Background(), a, "page:p1", raw)

	if len(journal) != 1 {
		t.Fatalf("journal got %d events", len(journal))
	}
	evt := <-journal
	if evt.OperationID != res.Operation.ID || evt.Version != 1 || evt.UserID != "a" || evt.ClientID != "c1" || evt.Operation.Kind != ot.KindInsert {
		t.Fatalf("event = %+v", evt)
	}
}

func TestSubmitSurvivesFullJournal(t *testing.T) {
	journal := make(chanJournal) // never drained
	h := newHarness(t, func(o *Options) { o.Journal = journal })
	a := actor("a")
	h.join(t, a, "page", "p1")
	if _, err := h.svc.Submit(context.Background(), a, "page:p1", insert(0, "x")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := newHarness(t, func(o *Options) { o.Metrics = m })
	ctx := context.Background()
	a := actor("a")
	h.join(t, a, "page", "p1")
	raw := insert(0, "x")
	raw.ClientID = "c1"
	_, _ = h.svc.Submit(ctx, a, "page:p1", raw)
	_, _ = h.svc.Submit(ctx, a, "page:p1", raw)
	_ = h.svc.Leave(ctx, a, "page:p1")
	m.StoreFallback("get")
	m.ConnOpened()

	if v := testutil.ToFloat64(m.joins); v != 1 {
		t.Errorf("joins = %v", v)
	}
	if v := testutil.ToFloat64(m.operations.WithLabelValues("insert")); v != 1 {
		t.Errorf("operations = %v", v)
	}
	if v := testutil.ToFloat64(m.duplicates); v != 1 {
		t.Errorf("duplicates = %v", v)
	}
	if v := testutil.ToFloat64(m.leaves.WithLabelValues(EventUserLeft)); v != 1 {
		t.Errorf("leaves = %v", v)
	}
	if v := testutil.ToFloat64(m.fallbacks.WithLabelValues("get")); v != 1 {
		t.Errorf("fallbacks = %v", v)
	}
	if v := testutil.ToFloat64(m.connections); v != 1 {
		t.Errorf("connections = %v", v)
	}

	var nilMetrics *Metrics
	nilMetrics.joined()
	nilMetrics.ConnClosed()
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(1)
	if err := s.Release(); err == nil {
		t.Fatalf("release without acquire succeeded")
	}
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Acquire = %v", err)
	}
	if s.InUse() != 1 {
		t.Fatalf("in use = %d", s.InUse())
	}
	_ = s.Release()
}
