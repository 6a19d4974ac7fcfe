package postgres

/*
Файл dashboard_repo.go хранит определения дашбордов как JSONB.
Разбор в типизированное дерево выполняется на границе (widget.DecodeDashboard),
дальше по конвейеру сырые данные не уходят.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/telemetry-aggregator/internal/connectors"
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
	"github.com/xela07ax/telemetry-aggregator/internal/widget"
)

type DashboardRepo struct {
	pool querier
}

// NewDashboardRepo создает новый экземпляр репозитория
func NewDashboardRepo(pool querier) *DashboardRepo {
	return &DashboardRepo{pool: pool}
}

// FetchDashboard реализует core.DashboardSource.
func (r *DashboardRepo) FetchDashboard(ctx context.Context, id string) (*domain.DashboardDefinition, error) {
	raw, err := r.FetchRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	return widget.DecodeDashboard(id, raw)
}

// FetchRaw возвращает JSON определения как есть (для кэша).
func (r *DashboardRepo) FetchRaw(ctx context.Context, id string) ([]byte, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT definition FROM dashboards WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &connectors.NotFoundError{Resource: "dashboard", ID: id}
		}
		return nil, fmt.Errorf("postgres: failed to fetch dashboard: %w", translate(err))
	}
	return raw, nil
}

// Save проверяет определение и сохраняет его (upsert).
func (r *DashboardRepo) Save(ctx context.Context, id string, raw []byte) (*domain.DashboardDefinition, error) {
	def, err := widget.DecodeDashboard(id, raw)
	if err != nil {
		return nil, err
	}
	query := `
		INSERT INTO dashboards (id, title, definition, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, definition = EXCLUDED.definition, updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, query, id, def.Title, raw); err != nil {
		return nil, fmt.Errorf("postgres: failed to save dashboard: %w", translate(err))
	}
	return def, nil
}

// List — идентификаторы и заголовки всех дашбордов.
func (r *DashboardRepo) List(ctx context.Context) ([]domain.DashboardDefinition, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, title FROM dashboards ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list dashboards: %w", translate(err))
	}
	defer rows.Close()

	var out []domain.DashboardDefinition
	for rows.Next() {
		var d domain.DashboardDefinition
		if err := rows.Scan(&d.ID, &d.Title); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
