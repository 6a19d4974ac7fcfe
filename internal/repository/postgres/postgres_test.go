package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/telemetry-aggregator/internal/audit"
	"github.com/xela07ax/telemetry-aggregator/internal/connectors"
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
)

type fakeRow struct {
	raw []byte
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = r.raw
	return nil
}

type fakeQuerier struct {
	row      fakeRow
	execSQL  string
	execArgs []any
}

func (q *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (q *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return q.row
}

func (q *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.execSQL, q.execArgs = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestDashboardRepoFetch(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{raw: []byte(`{"title":"Ops","widgets":[{"type":"group","widgets":[{"type":"timeseries","properties":{"service":"svc-a"}}]}]}`)}}
	repo := NewDashboardRepo(q)

	d, err := repo.FetchDashboard(context.Background(), "ops")
	require.NoError(t, err)
	assert.Equal(t, "ops", d.ID)
	assert.Equal(t, "Ops", d.Title)
	require.Len(t, d.Widgets, 1)
	require.NotNil(t, d.Widgets[0].Group)
}

func TestDashboardRepoNotFound(t *testing.T) {
	repo := NewDashboardRepo(&fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}})
	_, err := repo.FetchDashboard(context.Background(), "nope")
	var nf *connectors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.ID)
}

func TestDashboardRepoAuthFailure(t *testing.T) {
	repo := NewDashboardRepo(&fakeQuerier{row: fakeRow{err: &pgconn.PgError{Code: "28P01", Message: "password authentication failed"}}})
	_, err := repo.FetchDashboard(context.Background(), "ops")
	assert.True(t, connectors.IsFatal(err))
}

func TestDashboardRepoSaveValidates(t *testing.T) {
	q := &fakeQuerier{}
	repo := NewDashboardRepo(q)

	_, err := repo.Save(context.Background(), "ops", []byte(`not json`))
	require.Error(t, err)
	assert.Empty(t, q.execSQL)

	d, err := repo.Save(context.Background(), "ops", []byte(`{"title":"Ops","widgets":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "Ops", d.Title)
	assert.Contains(t, q.execSQL, "ON CONFLICT (id)")
	assert.Equal(t, "ops", q.execArgs[0])
}

func TestParseLogFilter(t *testing.T) {
	f, err := ParseLogFilter(`service:"svc-a" env:prod level:error level:fatal "connection reset"`)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"service": {"svc-a"},
		"env":     {"prod"},
		"level":   {"error", "fatal"},
	}, f.Equals)
	assert.Equal(t, []string{"connection reset"}, f.Terms)

	_, err = ParseLogFilter(`password:secret`)
	var be *connectors.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 400, be.StatusCode)

	_, err = ParseLogFilter(`service:"unterminated`)
	assert.ErrorAs(t, err, &be)
}

func TestBuildCountQuery(t *testing.T) {
	f, err := ParseLogFilter(`service:svc-a level:error level:fatal 50%`)
	require.NoError(t, err)

	sql, args := buildCountQuery(f)
	assert.Contains(t, sql, "date_bin(make_interval(secs => $1), ts, $2)")
	assert.Contains(t, sql, "level = ANY($4)")
	assert.Contains(t, sql, "service = $5")
	assert.Contains(t, sql, "message ILIKE $6")
	assert.Equal(t, []any{[]string{"error", "fatal"}, "svc-a", `%50\%%`}, args)
}

func TestFillBuckets(t *testing.T) {
	w := domain.TimeWindow{From: 1700000000, To: 1700000180}
	s := fillBuckets(map[int64]float64{1700000060: 4}, w, 60)

	require.Len(t, s.Samples, 3)
	assert.Equal(t, []float64{0, 4, 0}, s.Values())
	assert.Equal(t, int64(1700000120), s.Samples[2].Timestamp)
}

func TestTranslate(t *testing.T) {
	assert.Nil(t, translate(nil))
	assert.Equal(t, domain.ErrorKindTimeout, connectors.Classify(translate(context.DeadlineExceeded)).Kind)
	assert.Equal(t, domain.ErrorKindTimeout, connectors.Classify(translate(&pgconn.PgError{Code: "57014"})).Kind)
	info := connectors.Classify(translate(&pgconn.PgError{Code: "42601", Message: "syntax error"}))
	assert.Equal(t, domain.ErrorKindBackend, info.Kind)
	assert.Equal(t, 400, info.StatusCode)
}

func TestRunRepoWriteBatch(t *testing.T) {
	q := &fakeQuerier{}
	repo := NewRunRepo(q)

	require.NoError(t, repo.WriteBatch(context.Background(), nil))
	assert.Empty(t, q.execSQL)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err := repo.WriteBatch(context.Background(), []audit.Run{
		{ID: "r1", TraceID: "t1", Principal: "alice", DashboardID: "ops", From: 0, To: 3600, Status: "ok", Entities: 2, Timestamp: ts},
		{TraceID: "t2", DashboardID: "ghost", Status: "error", Error: "not found", Timestamp: ts},
	})
	require.NoError(t, err)

	assert.Contains(t, q.execSQL, "INSERT INTO aggregation_runs")
	assert.Contains(t, q.execSQL, "($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14),($15,")
	assert.True(t, strings.HasSuffix(q.execSQL, "$28)"))
	require.Len(t, q.execArgs, 28)
	assert.Equal(t, "r1", q.execArgs[0])
	assert.Nil(t, q.execArgs[14])
	assert.Equal(t, "not found", q.execArgs[26])
}
