// Package lead reads lead records owned by the dashboard.
package lead

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"gopkg.in/yaml.v3"

	"github.com/LeventeLantos/lead-sequencer/internal/model"
)

var ErrNotFound = errors.New("lead not found")

type Store interface {
	Get(ctx context.Context, leadID string) (model.Lead, error)
}

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (r *PostgresStore) Get(ctx context.Context, leadID string) (model.Lead, error) {
	var l model.Lead
	err := r.db.GetContext(ctx, &l, `
		SELECT id::text AS id,
		       COALESCE(first_name, '') AS first_name,
		       COALESCE(last_name, '')  AS last_name,
		       COALESCE(email, '')      AS email,
		       COALESCE(phone, '')      AS phone,
		       COALESCE(company, '')    AS company
		FROM leads
		WHERE id::text = $1
	`, leadID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Lead{}, fmt.Errorf("lead %q: %w", leadID, ErrNotFound)
	}
	if err != nil {
		return model.Lead{}, fmt.Errorf("load lead %q: %w", leadID, err)
	}
	return l, nil
}

// MemoryStore serves leads from process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	leads map[string]model.Lead
}

func NewMemoryStore(leads ...model.Lead) *MemoryStore {
	s := &MemoryStore{leads: make(map[string]model.Lead)}
	for _, l := range leads {
		s.Put(l)
	}
	return s
}

func (s *MemoryStore) Put(l model.Lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[strings.TrimSpace(l.ID)] = l
}

func (s *MemoryStore) Get(ctx context.Context, leadID string) (model.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.leads[strings.TrimSpace(leadID)]
	if !ok {
		return model.Lead{}, fmt.Errorf("lead %q: %w", leadID, ErrNotFound)
	}
	return l, nil
}

type fixture struct {
	Leads []model.Lead `yaml:"leads"`
}

// LoadFile builds a MemoryStore from a YAML file with a top-level leads
// list. Used when running without Postgres.
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read leads file: %w", err)
	}

	var f fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse leads file: %w", err)
	}
	for i, l := range f.Leads {
		if strings.TrimSpace(l.ID) == "" {
			return nil, fmt.Errorf("leads file: entry %d has no id", i)
		}
	}
	return NewMemoryStore(f.Leads...), nil
}
