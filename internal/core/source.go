package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/xela07ax/telemetry-aggregator/internal/connectors"
	"github.com/xela07ax/telemetry-aggregator/internal/domain"
	"github.com/xela07ax/telemetry-aggregator/internal/widget"
)

// DirSource читает дашборды из файлов <dir>/<id>.json. Используется CLI.
type DirSource struct {
	Dir string
}

func (s DirSource) FetchDashboard(_ context.Context, id string) (*domain.DashboardDefinition, error) {
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return nil, &connectors.NotFoundError{Resource: "dashboard", ID: id}
	}
	raw, err := os.ReadFile(filepath.Join(s.Dir, id+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &connectors.NotFoundError{Resource: "dashboard", ID: id}
		}
		return nil, fmt.Errorf("read dashboard file: %w", err)
	}
	return widget.DecodeDashboard(id, raw)
}

// StaticSource — дашборды в памяти, для тестов и demo-режима.
type StaticSource map[string]*domain.DashboardDefinition

func (s StaticSource) FetchDashboard(_ context.Context, id string) (*domain.DashboardDefinition, error) {
	d, ok := s[id]
	if !ok {
		return nil, &connectors.NotFoundError{Resource: "dashboard", ID: id}
	}
	return d, nil
}
