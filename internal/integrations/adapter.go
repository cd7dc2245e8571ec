// Package integrations loads tasks and teams from outside systems into the
// registry.
package integrations

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"fieldroute/internal/model"
	"fieldroute/internal/obs"
	"fieldroute/internal/store"
)

// Rejected is an input record that could not be imported.
type Rejected struct {
	Row    int    `json:"row"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

type TaskBatch struct {
	Tasks    []model.Task
	Rejected []Rejected
}

type TeamBatch struct {
	Teams    []model.Team
	Rejected []Rejected
}

// TaskSource yields tasks from an external system.
type TaskSource interface {
	Name() string
	FetchTasks(ctx context.Context) (TaskBatch, error)
}

// TeamSource yields teams from an external system.
type TeamSource interface {
	Name() string
	FetchTeams(ctx context.Context) (TeamBatch, error)
}

// Result summarises one import run.
type Result struct {
	Source   string     `json:"source"`
	Imported int        `json:"imported"`
	Rejected []Rejected `json:"rejected"`
}

type Registry interface {
	UpsertTasks(ctx context.Context, businessID string, tasks []model.Task) (int, error)
	UpsertTeams(ctx context.Context, businessID string, teams []model.Team) (int, error)
}

var _ Registry = (store.Store)(nil)

// ImportTasks upserts every valid task from src.
func ImportTasks(ctx context.Context, reg Registry, businessID string, src TaskSource) (Result, error) {
	b, err := src.FetchTasks(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%s: fetch tasks: %w", src.Name(), err)
	}
	res := Result{Source: src.Name(), Rejected: nonNil(b.Rejected)}
	if len(b.Tasks) > 0 {
		if res.Imported, err = reg.UpsertTasks(ctx, businessID, b.Tasks); err != nil {
			return Result{}, fmt.Errorf("%s: upsert tasks: %w", src.Name(), err)
		}
	}
	log.Info().Str("req_id", obs.RequestID(ctx)).Str("business_id", businessID).Str("source", res.Source).
		Int("imported", res.Imported).Int("rejected", len(res.Rejected)).Msg("tasks imported")
	return res, nil
}

// ImportTeams upserts every valid team from src.
func ImportTeams(ctx context.Context, reg Registry, businessID string, src TeamSource) (Result, error) {
	b, err := src.FetchTeams(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%s: fetch teams: %w", src.Name(), err)
	}
	res := Result{Source: src.Name(), Rejected: nonNil(b.Rejected)}
	if len(b.Teams) > 0 {
		if res.Imported, err = reg.UpsertTeams(ctx, businessID, b.Teams); err != nil {
			return Result{}, fmt.Errorf("%s: upsert teams: %w", src.Name(), err)
		}
	}
	log.Info().Str("req_id", obs.RequestID(ctx)).Str("business_id", businessID).Str("source", res.Source).
		Int("imported", res.Imported).Int("rejected", len(res.Rejected)).Msg("teams imported")
	return res, nil
}

func nonNil(r []Rejected) []Rejected {
	if r == nil {
		return []Rejected{}
	}
	return r
}
