package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]Run
	fail    bool
}

func (m *memStorage) WriteBatch(_ context.Context, runs []Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("connection refused")
	}
	m.batches = append(m.batches, runs)
	return nil
}

func (m *memStorage) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func (m *memStorage) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func TestJournalFlushesFullBatch(t *testing.T) {
	st := &memStorage{}
	j := NewJournal(st, Config{BatchSize: 3, FlushInterval: time.Hour}, clock.NewMock(), nil)
	j.Start()
	defer j.Stop()

	for i := 0; i < 3; i++ {
		j.Record(Run{DashboardID: "ops"})
	}
	assert.Eventually(t, func() bool { return st.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, st.total())
}

func TestJournalFlushesOnTick(t *testing.T) {
	st := &memStorage{}
	clk := clock.NewMock()
	j := NewJournal(st, Config{BatchSize: 100, FlushInterval: time.Second}, clk, nil)
	j.Start()
	defer j.Stop()

	j.Record(Run{DashboardID: "ops"})
	// Запись должна дойти до воркера раньше тика
	assert.Eventually(t, func() bool { return len(j.ch) == 0 }, time.Second, 5*time.Millisecond)
	clk.Add(time.Second)

	assert.Eventually(t, func() bool { return st.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestJournalStopDrainsBuffer(t *testing.T) {
	st := &memStorage{}
	clk := clock.NewMock()
	j := NewJournal(st, Config{BatchSize: 100, FlushInterval: time.Hour}, clk, nil)
	j.Start()

	for i := 0; i < 42; i++ {
		j.Record(Run{DashboardID: "ops"})
	}
	j.Stop()
	assert.Equal(t, 42, st.total())

	// После остановки записи отбрасываются без паники
	j.Record(Run{DashboardID: "late"})
	j.Stop()
	assert.Equal(t, 42, st.total())
}

func TestJournalStampsTimestamp(t *testing.T) {
	st := &memStorage{}
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	j := NewJournal(st, Config{}, clk, nil)
	j.Start()
	j.Record(Run{DashboardID: "ops"})
	j.Stop()

	require.Len(t, st.batches, 1)
	assert.Equal(t, clk.Now(), st.batches[0][0].Timestamp)
}

func TestJournalSurvivesStorageFailure(t *testing.T) {
	st := &memStorage{fail: true}
	j := NewJournal(st, Config{BatchSize: 1}, clock.NewMock(), nil)
	j.Start()
	j.Record(Run{DashboardID: "ops"})
	j.Stop()
	assert.Zero(t, st.total())
}

func TestJournalShedsLoadWhenBufferIsFull(t *testing.T) {
	st := &memStorage{}
	// Воркер не запущен: буфер на 2 записи заполнится
	j := NewJournal(st, Config{BufferSize: 2}, clock.NewMock(), nil)
	for i := 0; i < 5; i++ {
		j.Record(Run{DashboardID: "ops"})
	}
	assert.Len(t, j.ch, 2)
}
