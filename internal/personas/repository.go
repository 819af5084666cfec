package personas

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository reads and updates the persona roster.
type Repository interface {
	List(ctx context.Context) ([]Persona, error)
	GetByID(ctx context.Context, id int) (*Persona, error)
	GetByName(ctx context.Context, name string) (*Persona, error)
	Update(ctx context.Context, p Persona) error
}

// PostgresRepository stores personas in the relational database.
type PostgresRepository struct {
	pool querier
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("personas: pgx pool required")
	}
	return &PostgresRepository{pool: pool}
}

func newRepositoryWithQuerier(q querier) *PostgresRepository {
	if q == nil {
		panic("personas: querier required")
	}
	return &PostgresRepository{pool: q}
}

func (r *PostgresRepository) List(ctx context.Context) ([]Persona, error) {
	query := `
		SELECT id, name, tagline, system_prompt, sort_order
		FROM personas
		ORDER BY sort_order, id
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("personas: list failed: %w", err)
	}
	defer rows.Close()

	var out []Persona
	for rows.Next() {
		var p Persona
		if err := rows.Scan(&p.ID, &p.Name, &p.Tagline, &p.SystemPrompt, &p.SortOrder); err != nil {
			return nil, fmt.Errorf("personas: scan failed: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("personas: list rows: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int) (*Persona, error) {
	query := `
		SELECT id, name, tagline, system_prompt, sort_order
		FROM personas
		WHERE id = $1
	`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) GetByName(ctx context.Context, name string) (*Persona, error) {
	query := `
		SELECT id, name, tagline, system_prompt, sort_order
		FROM personas
		WHERE lower(name) = lower($1)
	`
	return r.scanOne(r.pool.QueryRow(ctx, query, name))
}

func (r *PostgresRepository) Update(ctx context.Context, p Persona) error {
	query := `
		UPDATE personas
		SET name = $2, tagline = $3, system_prompt = $4, sort_order = $5
		WHERE id = $1
	`
	ct, err := r.pool.Exec(ctx, query, p.ID, p.Name, p.Tagline, p.SystemPrompt, p.SortOrder)
	if err != nil {
		return fmt.Errorf("personas: update failed: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) scanOne(row pgx.Row) (*Persona, error) {
	var p Persona
	if err := row.Scan(&p.ID, &p.Name, &p.Tagline, &p.SystemPrompt, &p.SortOrder); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("personas: select failed: %w", err)
	}
	return &p, nil
}

// StaticRepository serves the built-in roster when no database is wired.
// Updates are rejected; the roster is fixed.
type StaticRepository struct {
	roster []Persona
}

func NewStaticRepository() *StaticRepository {
	roster := Defaults()
	sort.Slice(roster, func(i, j int) bool { return roster[i].SortOrder < roster[j].SortOrder })
	return &StaticRepository{roster: roster}
}

func (r *StaticRepository) List(context.Context) ([]Persona, error) {
	out := make([]Persona, len(r.roster))
	copy(out, r.roster)
	return out, nil
}

func (r *StaticRepository) GetByID(_ context.Context, id int) (*Persona, error) {
	for _, p := range r.roster {
		if p.ID == id {
			cp := p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *StaticRepository) GetByName(_ context.Context, name string) (*Persona, error) {
	for _, p := range r.roster {
		if strings.EqualFold(p.Name, name) {
			cp := p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *StaticRepository) Update(context.Context, Persona) error {
	return errors.New("personas: static roster is read-only")
}
