package storage

import "time"

// Option configures either repository backend. Options that only make sense
// for one backend are no-ops on the other.
type Option interface {
	applyMemory(*Store)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	memory func(*Store)
	pg     func(*PostgresConfig)
}

func (o optionAdapter) applyMemory(store *Store) {
	if o.memory != nil && store != nil {
		o.memory(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(memory func(*Store), pg func(*PostgresConfig)) Option {
	return optionAdapter{memory: memory, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

func memoryOnlyOption(memory func(*Store)) Option {
	return optionAdapter{memory: memory}
}

// WithClock overrides the time source used when stamping rows.
func WithClock(clock func() time.Time) Option {
	return composeOption(
		func(s *Store) {
			if clock != nil {
				s.clock = clock
			}
		},
		func(cfg *PostgresConfig) {
			if clock != nil {
				cfg.Clock = clock
			}
		},
	)
}

// WithPersistHook intercepts persist operations on the file-backed store.
// Tests use it to simulate persistence failures.
func WithPersistHook(hook func(dataset) error) Option {
	return memoryOnlyOption(func(s *Store) {
		s.persistOverride = hook
	})
}

// WithMaxConnections bounds the Postgres connection pool.
func WithMaxConnections(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithAcquireTimeout bounds how long a query waits for a pooled connection.
func WithAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

// WithApplicationName sets the application_name reported to Postgres.
func WithApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if name != "" {
			cfg.ApplicationName = name
		}
	})
}
