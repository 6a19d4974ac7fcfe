// Package audit ведет журнал вызовов агрегации. Запись асинхронная и пачками,
// чтобы задержки БД не влияли на время ответа API.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultBufferSize    = 10000
)

// Storage определяет, куда физически сохраняется журнал
type Storage interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, runs []Run) error
}

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

type Journal struct {
	ch     chan Run
	repo   Storage
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
	wg     sync.WaitGroup

	// closed под mu: Record не должен писать в уже закрытый канал
	mu     sync.RWMutex
	closed bool
}

func NewJournal(repo Storage, cfg Config, clk clock.Clock, logger *zap.Logger) *Journal {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		ch:     make(chan Run, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With(zap.String("mod", "audit")),
	}
}

func (j *Journal) Start() {
	// Тикер создаем до запуска воркера, чтобы мок-часы в тестах его уже видели
	ticker := j.clock.Ticker(j.cfg.FlushInterval)
	j.wg.Add(1)
	go j.worker(ticker)
}

// Stop закрывает вход и ждет, пока воркер допишет остатки (Drain).
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ch)
	j.mu.Unlock()

	j.logger.Info("stopping journal: flushing buffer...")
	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

// Record не блокирует: при переполнении буфера запись уходит только в лог.
func (j *Journal) Record(run Run) {
	if run.Timestamp.IsZero() {
		run.Timestamp = j.clock.Now()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("audit record dropped: journal is stopping", zap.String("trace_id", run.TraceID))
		return
	}

	// Load Shedding
	select {
	case j.ch <- run:
	default:
		j.logger.Error("audit_buffer_overflow",
			zap.String("dashboard", run.DashboardID),
			zap.String("trace_id", run.TraceID),
		)
	}
}

func (j *Journal) worker(ticker *clock.Ticker) {
	defer j.wg.Done()
	defer ticker.Stop()

	batch := make([]Run, 0, j.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст запроса к этому моменту уже закрыт
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("audit flush failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = make([]Run, 0, j.cfg.BatchSize)
	}

	for {
		select {
		case run, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop и уже вычитан: финальный сброс
				flush()
				return
			}
			batch = append(batch, run)
			if len(batch) >= j.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
