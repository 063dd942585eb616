// Package postgres holds the PostgreSQL-backed takbridge repositories.
package postgres

import "github.com/jackc/pgx/v5/pgxpool"

// Store owns the pgx pool and the repositories built on it.
type Store struct {
	pool         *pgxpool.Pool
	destinations *DestinationStore
}

// New constructs a PostgreSQL persistence store. A nil pool is tolerated so
// callers can build the store before connecting.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, destinations: NewDestinationStore(pool)}
}

// Pool returns the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Destinations returns the TAK destination repository.
func (s *Store) Destinations() *DestinationStore {
	return s.destinations
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
