package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	findUserIDByUsernameSQL = `SELECT id
    FROM users_clean
    WHERE username = $1
    ORDER BY id
    LIMIT 1;`

	findUsersByUsernameSQL = `SELECT id, username
    FROM users_clean
    WHERE username = ANY($1)
    ORDER BY username, id;`

	listUsersFromSQL = `SELECT id, username
    FROM users_clean
    WHERE id >= $1
      AND username > $2
    ORDER BY id
    LIMIT $3;`

	listUsersAfterSQL = `SELECT id, username
    FROM users_clean
    WHERE id > $1
      AND username > $2
    ORDER BY id
    LIMIT $3;`

	topUsersByBetCountSQL = `SELECT
        u.id,
        u.username,
        date_part('year', u.created_time)::int AS join_year,
        COUNT(b.id) AS bet_count
    FROM users_clean u
    JOIN bets_clean b ON b.user_id = u.id
    GROUP BY u.id, u.username, u.created_time
    ORDER BY bet_count DESC, u.id
    LIMIT $1;`

	countTablesSQL = `SELECT
        (SELECT COUNT(*) FROM users_raw),
        (SELECT COUNT(*) FROM users_clean),
        (SELECT COUNT(*) FROM bets_raw),
        (SELECT COUNT(*) FROM bets_clean);`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL sink for raw and clean Manifold records.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ ChunkWriter    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the connection is closed
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// WriteChunk upserts raw and clean rows for records in a single transaction.
func (s *Store) WriteChunk(ctx context.Context, entity Entity, records []Record) (ChunkResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return ChunkResult{}, err
	}
	if len(records) == 0 {
		return ChunkResult{}, nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("begin %s chunk: %w", entity.Name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(entity.rawSQL, rec.Key(), []byte(rec.Document()), rec.CollectedAt())
		args := make([]any, 0, len(entity.Columns)+1)
		args = append(args, rec.Key())
		args = append(args, rec.Values()...)
		batch.Queue(entity.cleanSQL, args...)
	}

	results := tx.SendBatch(ctx, batch)
	var res ChunkResult
	for _, rec := range records {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return ChunkResult{}, fmt.Errorf("upsert %s raw %s: %w", entity.Name, rec.Key(), err)
		}
		var inserted bool
		if err := results.QueryRow().Scan(&inserted); err != nil {
			results.Close()
			return ChunkResult{}, fmt.Errorf("upsert %s clean %s: %w", entity.Name, rec.Key(), err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	if err := results.Close(); err != nil {
		return ChunkResult{}, fmt.Errorf("close %s batch: %w", entity.Name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ChunkResult{}, fmt.Errorf("commit %s chunk: %w", entity.Name, err)
	}
	return res, nil
}

// UserStart is where the bet stage resumes in users_clean.
type UserStart struct {
	// FromID is the first id to include; empty means the beginning.
	FromID string
	// AfterUsername restricts to usernames sorting after it when the start user was not found.
	AfterUsername string
}

// ResolveUserStart locates startUsername; when absent, the stream continues with usernames after it.
func (s *Store) ResolveUserStart(ctx context.Context, startUsername string) (UserStart, error) {
	if startUsername == "" {
		return UserStart{}, nil
	}
	pool, err := s.getPool()
	if err != nil {
		return UserStart{}, err
	}
	var id string
	err = pool.QueryRow(ctx, findUserIDByUsernameSQL, startUsername).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserStart{AfterUsername: startUsername}, nil
	}
	if err != nil {
		return UserStart{}, fmt.Errorf("find start user: %w", err)
	}
	return UserStart{FromID: id}, nil
}

// StreamUsers walks users_clean in id order, handing chunkSize refs at a time to fn.
func (s *Store) StreamUsers(ctx context.Context, start UserStart, chunkSize int, fn func([]UserRef) error) error {
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	query, cursor := listUsersFromSQL, start.FromID
	for {
		refs, err := s.listUsers(ctx, pool, query, cursor, start.AfterUsername, chunkSize)
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			return nil
		}
		if err := fn(refs); err != nil {
			return err
		}
		if len(refs) < chunkSize {
			return nil
		}
		query, cursor = listUsersAfterSQL, refs[len(refs)-1].ID
	}
}

func (s *Store) listUsers(ctx context.Context, pool *pgxpool.Pool, query, cursor, afterUsername string, limit int) ([]UserRef, error) {
	rows, err := pool.Query(ctx, query, cursor, afterUsername, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	refs := make([]UserRef, 0, limit)
	for rows.Next() {
		var ref UserRef
		if err := rows.Scan(&ref.ID, &ref.Username); err != nil {
			return nil, fmt.Errorf("scan user ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return refs, nil
}

// FindUsersByUsername resolves stored users by exact username. Unknown names are omitted.
func (s *Store) FindUsersByUsername(ctx context.Context, usernames []string) ([]UserRef, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, findUsersByUsernameSQL, usernames)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (UserRef, error) {
		var ref UserRef
		err := row.Scan(&ref.ID, &ref.Username)
		return ref, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan user ref: %w", err)
	}
	return refs, nil
}

// TopUsersByBetCount lists users ordered by the number of stored bets.
func (s *Store) TopUsersByBetCount(ctx context.Context, limit int) ([]BettorStat, error) {
	if limit <= 0 {
		return nil, nil
	}
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, topUsersByBetCountSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("top users by bet count: %w", err)
	}
	defer rows.Close()

	stats := make([]BettorStat, 0, limit)
	for rows.Next() {
		var st BettorStat
		if err := rows.Scan(&st.UserID, &st.Username, &st.JoinYear, &st.BetCount); err != nil {
			return nil, fmt.Errorf("scan bettor stat: %w", err)
		}
		stats = append(stats, st)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return stats, nil
}

// CountRows returns row counts of the four ETL tables.
func (s *Store) CountRows(ctx context.Context) (TableCounts, error) {
	pool, err := s.getPool()
	if err != nil {
		return TableCounts{}, err
	}
	var c TableCounts
	if err := pool.QueryRow(ctx, countTablesSQL).Scan(&c.UsersRaw, &c.UsersClean, &c.BetsRaw, &c.BetsClean); err != nil {
		return TableCounts{}, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}
