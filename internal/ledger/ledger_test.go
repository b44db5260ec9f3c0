package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/agentvault/internal/instruction"
	"github.com/alecgard/agentvault/internal/userop"
	"github.com/ethereum/go-ethereum/common"
)

// mockStore records all batches that were inserted.
type mockStore struct {
	mu       sync.Mutex
	batches  [][]Record
	insertFn func(ctx context.Context, recs []Record) error
}

func (m *mockStore) BatchInsert(ctx context.Context, recs []Record) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, recs)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Record, len(recs))
	copy(cp, recs)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *mockStore) totalInserted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

type flushRecorder struct {
	mu      sync.Mutex
	flushes int
	failed  int
	buffer  int
}

func (f *flushRecorder) SetCollectorBuffer(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffer = n
}

func (f *flushRecorder) ObserveFlush(_ int, _ float64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	if err != nil {
		f.failed++
	}
}

func sampleRecord(outcome string) Record {
	return Record{
		OperatorID: "op-1",
		AgentID:    "42",
		Account:    "0x00000000000000000000000000000000000acc07",
		Kind:       KindPayment,
		Outcome:    outcome,
		LatencyMs:  42,
	}
}

func TestCollector_RecordAddsToBuffer(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)

	c.Record(sampleRecord(OutcomeApproved))
	c.Record(sampleRecord(OutcomeRejected))

	c.mu.Lock()
	bufLen := len(c.buffer)
	stamped := !c.buffer[0].Timestamp.IsZero()
	c.mu.Unlock()

	if bufLen != 2 {
		t.Fatalf("expected buffer length 2, got %d", bufLen)
	}
	if !stamped {
		t.Error("expected Record to stamp a zero timestamp")
	}
	if ms.totalInserted() != 0 {
		t.Fatalf("expected 0 inserted before flush, got %d", ms.totalInserted())
	}
}

func TestCollector_FlushOnBatchSize(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		records   int
		wantFlush int
	}{
		{"exact batch size triggers flush", 3, 3, 3},
		{"under batch size does not flush", 5, 3, 0},
		{"double batch size triggers two flushes", 2, 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockStore{}
			c := NewCollector(ms, tt.batchSize, time.Hour)

			for i := 0; i < tt.records; i++ {
				c.Record(sampleRecord(OutcomeApproved))
			}

			if got := ms.totalInserted(); got != tt.wantFlush {
				t.Errorf("expected %d flushed records, got %d", tt.wantFlush, got)
			}
		})
	}
}

func TestCollector_StopDoesFinalFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)
	rec := &flushRecorder{}
	c.SetMetrics(rec)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	c.Record(sampleRecord(OutcomeApproved))
	c.Record(sampleRecord(OutcomeTimeout))
	c.Record(sampleRecord(OutcomeRelayError))

	c.Stop()
	c.Stop() // idempotent
	<-done

	if got := ms.totalInserted(); got != 3 {
		t.Fatalf("expected 3 records after Stop, got %d", got)
	}
	if rec.flushes != 1 || rec.buffer != 0 {
		t.Errorf("expected one flush and empty buffer, got %d flushes, buffer %d", rec.flushes, rec.buffer)
	}
}

func TestCollector_TimerFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	c.Record(sampleRecord(OutcomeApproved))

	deadline := time.Now().Add(2 * time.Second)
	for ms.totalInserted() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := ms.totalInserted(); got != 1 {
		t.Fatalf("expected 1 record after timer flush, got %d", got)
	}
	c.Stop()
}

func TestCollector_FlushErrorIsRecorded(t *testing.T) {
	ms := &mockStore{insertFn: func(context.Context, []Record) error { return errors.New("db down") }}
	c := NewCollector(ms, 1, time.Hour)
	rec := &flushRecorder{}
	c.SetMetrics(rec)

	c.Record(sampleRecord(OutcomeApproved))

	if rec.failed != 1 {
		t.Errorf("expected 1 failed flush, got %d", rec.failed)
	}
}

func TestCollector_ConcurrentRecords(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 10, time.Hour)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Record(sampleRecord(OutcomeApproved))
		}()
	}
	wg.Wait()

	c.Stop()
	<-done

	if got := ms.totalInserted(); got != 50 {
		t.Fatalf("expected 50 records, got %d", got)
	}
}

func TestClassify(t *testing.T) {
	hash := common.HexToHash("0x01")
	tests := []struct {
		name string
		res  *instruction.Result
		err  error
		want string
	}{
		{"approved", &instruction.Result{Success: true}, nil, OutcomeApproved},
		{"rejected error", &instruction.Result{}, &instruction.RejectedError{UserOpHash: hash}, OutcomeRejected},
		{"unsuccessful result", &instruction.Result{}, nil, OutcomeRejected},
		{"timeout", nil, &instruction.TimeoutError{UserOpHash: hash}, OutcomeTimeout},
		{"relay error", nil, &instruction.RelayError{Method: "eth_sendUserOperation"}, OutcomeRelayError},
		{"wrapped relay error", nil, errors.New("dial tcp: refused"), OutcomeRelayError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.res, tt.err); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNewRecord(t *testing.T) {
	hash := common.HexToHash("0xabc")
	tx := common.HexToHash("0xdef")
	started := time.Now().Add(-time.Second)

	r := NewRecord(Entry{
		OperatorID: "op-1",
		AgentID:    "42",
		Account:    common.HexToAddress("0xacc07"),
		Kind:       KindPull,
		Sponsored:  true,
		Started:    started,
		Result: &instruction.Result{
			UserOpHash:      hash,
			TransactionHash: tx,
			Success:         false,
			Reason:          "daily limit exceeded",
			Receipt:         &userop.Receipt{ActualGasCost: userop.BigToHex(big.NewInt(12345))},
		},
		Err: &instruction.RejectedError{UserOpHash: hash, TxHash: tx, Reason: "daily limit exceeded"},
	})

	if r.Outcome != OutcomeRejected {
		t.Errorf("expected rejected, got %q", r.Outcome)
	}
	if r.UserOpHash != hash.Hex() || r.TxHash != tx.Hex() {
		t.Errorf("unexpected hashes: %s %s", r.UserOpHash, r.TxHash)
	}
	if r.Reason != "daily limit exceeded" {
		t.Errorf("unexpected reason %q", r.Reason)
	}
	if r.GasCost != "12345" {
		t.Errorf("expected gas cost 12345, got %s", r.GasCost)
	}
	if r.LatencyMs < 1000 {
		t.Errorf("expected latency of at least 1s, got %dms", r.LatencyMs)
	}

	timedOut := NewRecord(Entry{Kind: KindPayment, Started: started, Err: &instruction.TimeoutError{UserOpHash: hash}})
	if timedOut.UserOpHash != hash.Hex() || timedOut.Outcome != OutcomeTimeout {
		t.Errorf("timeout record should keep the hash: %+v", timedOut)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 123456789, time.UTC)
	cursor := encodeCursor(ts, "rec-1")
	gotTime, gotID, err := decodeCursor(cursor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gotTime.Equal(ts) || gotID != "rec-1" {
		t.Errorf("round trip mismatch: %v %q", gotTime, gotID)
	}
	if _, _, err := decodeCursor("%%%"); err == nil {
		t.Error("expected error for invalid cursor")
	}
}

func TestBuildWhereClause(t *testing.T) {
	where, args := buildWhereClause(Query{OperatorID: "op-1", Outcome: OutcomeRejected})
	if where != " WHERE operator_id = $1 AND outcome = $2" {
		t.Errorf("unexpected where clause %q", where)
	}
	if len(args) != 2 {
		t.Errorf("expected 2 args, got %d", len(args))
	}
	if where, args := buildWhereClause(Query{}); where != "" || args != nil {
		t.Errorf("expected empty clause, got %q %v", where, args)
	}
}
