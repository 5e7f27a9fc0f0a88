// Package sqlite provides a Store backed by a SQLite database. Every
// compare-and-swap is a single conditional UPDATE on the expected epoch
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kode4food/stalwart/internal/store"
	"github.com/kode4food/stalwart/pkg/api"
)

type (
	// Store implements store.Store on SQLite
	Store struct {
		db *sql.DB
	}

	typeStore    Store
	replicaStore Store

	rowScanner interface {
		Scan(dest ...any) error
	}
)

//go:embed schema.sql
var schemaSQL string

const (
	currentSchemaVersion = 1

	flowColumns = `type, instance, status, epoch, expires, param, result,
		exc_msg, exc_type, owner, interrupts, ts`

	notTerminal = `status NOT IN ('succeeded', 'failed')`
)

var _ store.Store = (*Store)(nil)

// Open creates or opens the database at path, applying pragmas and schema
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Initialize verifies the database is reachable
func (s *Store) Initialize(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Types() store.TypeStore {
	return (*typeStore)(s)
}

func (s *Store) Replicas() store.ReplicaStore {
	return (*replicaStore)(s)
}

func (s *Store) CreateFunction(
	ctx context.Context, f api.NewFlow,
) (bool, error) {
	return s.exec(ctx, `
		INSERT INTO flows (type, instance, status, epoch, expires, param,
			owner, ts)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT (type, instance) DO NOTHING`,
		f.ID.Type, f.ID.Instance, f.Status, f.Expires, f.Param, f.Owner,
		f.Timestamp,
	)
}

func (s *Store) GetFunction(
	ctx context.Context, id api.StoredID,
) (*api.StoredFlow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+flowColumns+` FROM flows WHERE type = ? AND instance = ?`,
		id.Type, id.Instance,
	)
	return scanFlow(row)
}

func (s *Store) RestartExecution(
	ctx context.Context, id api.StoredID, expectedEpoch api.Epoch,
	leaseExpiration int64, owner api.ReplicaID,
) (*api.StoredFlow, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE flows
		SET epoch = epoch + 1, status = 'executing', expires = ?, owner = ?
		WHERE type = ? AND instance = ? AND epoch = ? AND `+notTerminal+`
		RETURNING `+flowColumns,
		leaseExpiration, owner, id.Type, id.Instance, expectedEpoch,
	)
	return scanFlow(row)
}

func (s *Store) RenewLeases(
	ctx context.Context, leases []api.LeaseUpdate, leaseExpiration int64,
) (int, error) {
	if len(leases) == 0 {
		return 0, nil
	}
	count := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE flows SET expires = ?
			WHERE type = ? AND instance = ? AND epoch = ?
				AND status = 'executing'`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, l := range leases {
			res, err := stmt.ExecContext(ctx,
				leaseExpiration, l.ID.Type, l.ID.Instance, l.ExpectedEpoch,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			count += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) GetFunctionsStatus(
	ctx context.Context, ids []api.StoredID,
) ([]api.StatusAndEpoch, error) {
	res := make([]api.StatusAndEpoch, 0, len(ids))
	for _, id := range ids {
		var sae api.StatusAndEpoch
		err := s.db.QueryRowContext(ctx, `
			SELECT status, epoch, expires FROM flows
			WHERE type = ? AND instance = ?`,
			id.Type, id.Instance,
		).Scan(&sae.Status, &sae.Epoch, &sae.Expires)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sae.ID = id
		res = append(res, sae)
	}
	return res, nil
}

func (s *Store) SucceedFunction(
	ctx context.Context, id api.StoredID, result []byte, timestamp int64,
	expectedEpoch api.Epoch,
) (bool, error) {
	return s.complete(ctx, id, expectedEpoch,
		`status = 'succeeded', result = ?, ts = ?`, result, timestamp,
	)
}

func (s *Store) FailFunction(
	ctx context.Context, id api.StoredID, exc *api.StoredException,
	timestamp int64, expectedEpoch api.Epoch,
) (bool, error) {
	if exc == nil {
		exc = api.NewStoredException(nil)
	}
	return s.complete(ctx, id, expectedEpoch,
		`status = 'failed', exc_msg = ?, exc_type = ?, ts = ?`,
		exc.Message, exc.Type, timestamp,
	)
}

func (s *Store) PostponeFunction(
	ctx context.Context, id api.StoredID, until int64, timestamp int64,
	expectedEpoch api.Epoch,
) (bool, error) {
	return s.complete(ctx, id, expectedEpoch,
		`status = 'postponed', expires = ?, ts = ?`, until, timestamp,
	)
}

func (s *Store) SuspendFunction(
	ctx context.Context, id api.StoredID, expectedInterrupts int64,
	timestamp int64, expectedEpoch api.Epoch,
) (bool, error) {
	return s.complete(ctx, id, expectedEpoch, `
		status = CASE WHEN interrupts > ? THEN 'postponed'
			ELSE 'suspended' END,
		expires = CASE WHEN interrupts > ? THEN 0 ELSE ? END,
		ts = ?`,
		expectedInterrupts, expectedInterrupts, api.NeverExpires, timestamp,
	)
}

func (s *Store) SetFunctionState(
	ctx context.Context, id api.StoredID, status api.Status, expires int64,
	expectedEpoch api.Epoch,
) (bool, error) {
	if !store.ValidTargetStatus(status) {
		return false, store.ErrInvalidStatus
	}
	return s.exec(ctx, `
		UPDATE flows SET status = ?, expires = ?, owner = ''
		WHERE type = ? AND instance = ? AND epoch = ? AND `+notTerminal,
		status, expires, id.Type, id.Instance, expectedEpoch,
	)
}

func (s *Store) DeleteFunction(
	ctx context.Context, id api.StoredID,
) (bool, error) {
	return s.exec(ctx,
		`DELETE FROM flows WHERE type = ? AND instance = ?`,
		id.Type, id.Instance,
	)
}

func (s *Store) Interrupt(
	ctx context.Context, ids []api.StoredID,
) (int, error) {
	count := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
				UPDATE flows SET
					interrupts = interrupts + 1,
					status = CASE WHEN status = 'suspended'
						THEN 'postponed' ELSE status END,
					expires = CASE WHEN status = 'suspended'
						THEN 0 ELSE expires END
				WHERE type = ? AND instance = ?`,
				id.Type, id.Instance,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			count += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) GetExpiredFunctions(
	ctx context.Context, before int64,
) ([]api.IDAndEpoch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, instance, epoch FROM flows
		WHERE status IN ('executing', 'postponed') AND expires < ?
		ORDER BY type, instance`,
		before,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var res []api.IDAndEpoch
	for rows.Next() {
		var ie api.IDAndEpoch
		if err := rows.Scan(&ie.ID.Type, &ie.ID.Instance, &ie.Epoch); err != nil {
			return nil, err
		}
		res = append(res, ie)
	}
	return res, rows.Err()
}

func (s *Store) GetCrashedFunctions(
	ctx context.Context, typ api.StoredType, before int64,
) ([]api.IDAndEpoch, error) {
	return s.query(ctx, typ, api.StatusExecuting, before)
}

func (s *Store) GetPostponedFunctions(
	ctx context.Context, typ api.StoredType, before int64,
) ([]api.IDAndEpoch, error) {
	return s.query(ctx, typ, api.StatusPostponed, before)
}

func (s *Store) RescheduleCrashedFunctions(
	ctx context.Context, owner api.ReplicaID,
) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE flows SET owner = '', expires = 0
		WHERE owner = ? AND status = 'executing'`,
		owner,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) GetOwnerReplicas(
	ctx context.Context,
) ([]api.ReplicaID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT owner FROM flows
		WHERE status = 'executing' AND owner != ''
		ORDER BY owner`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var res []api.ReplicaID
	for rows.Next() {
		var id api.ReplicaID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (s *Store) complete(
	ctx context.Context, id api.StoredID, expectedEpoch api.Epoch,
	set string, args ...any,
) (bool, error) {
	args = append(args, id.Type, id.Instance, expectedEpoch)
	return s.exec(ctx, `
		UPDATE flows SET owner = '', `+set+`
		WHERE type = ? AND instance = ? AND epoch = ?
			AND status = 'executing'`,
		args...,
	)
}

func (s *Store) query(
	ctx context.Context, typ api.StoredType, status api.Status, before int64,
) ([]api.IDAndEpoch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance, epoch FROM flows
		WHERE type = ? AND status = ? AND expires < ?
		ORDER BY instance`,
		typ, status, before,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var res []api.IDAndEpoch
	for rows.Next() {
		ie := api.IDAndEpoch{ID: api.StoredID{Type: typ}}
		if err := rows.Scan(&ie.ID.Instance, &ie.Epoch); err != nil {
			return nil, err
		}
		res = append(res, ie)
	}
	return res, rows.Err()
}

func (s *Store) exec(
	ctx context.Context, query string, args ...any,
) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *typeStore) InsertOrGet(
	ctx context.Context, typ api.FlowType,
) (api.StoredType, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO flow_types (name) VALUES (?) ON CONFLICT (name) DO NOTHING`,
		typ,
	); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM flow_types WHERE name = ?`, typ,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	if id > math.MaxUint16 {
		return 0, store.ErrTooManyTypes
	}
	return api.StoredType(id), nil
}

func (s *typeStore) GetAll(
	ctx context.Context,
) (map[api.FlowType]api.StoredType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, id FROM flow_types`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	res := map[api.FlowType]api.StoredType{}
	for rows.Next() {
		var name api.FlowType
		var id api.StoredType
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		res[name] = id
	}
	return res, rows.Err()
}

func (s *replicaStore) Insert(
	ctx context.Context, r api.StoredReplica,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replicas (id, heartbeat) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET heartbeat = excluded.heartbeat`,
		r.ID, r.Heartbeat,
	)
	return err
}

func (s *replicaStore) Delete(ctx context.Context, id api.ReplicaID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM replicas WHERE id = ?`, id)
	return err
}

func (s *replicaStore) GetAll(
	ctx context.Context,
) ([]api.StoredReplica, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, heartbeat FROM replicas ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	res := []api.StoredReplica{}
	for rows.Next() {
		var r api.StoredReplica
		if err := rows.Scan(&r.ID, &r.Heartbeat); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *replicaStore) UpdateHeartbeat(
	ctx context.Context, id api.ReplicaID, heartbeat int64,
) (bool, error) {
	return (*Store)(s).exec(ctx,
		`UPDATE replicas SET heartbeat = ? WHERE id = ?`, heartbeat, id,
	)
}

func scanFlow(row rowScanner) (*api.StoredFlow, error) {
	var f api.StoredFlow
	var excMsg, excType sql.NullString
	err := row.Scan(
		&f.ID.Type, &f.ID.Instance, &f.Status, &f.Epoch, &f.Expires,
		&f.Param, &f.Result, &excMsg, &excType, &f.Owner, &f.Interrupts,
		&f.Timestamp,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if excMsg.Valid {
		f.Exception = &api.StoredException{
			Message: excMsg.String,
			Type:    excType.String,
		}
	}
	return &f, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	_, err := db.Exec(
		fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion),
	)
	return err
}
