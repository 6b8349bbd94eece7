package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/bxcodec/dbresolver/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/piukhq/angelia-sub001/changefeed/capture"
	"github.com/piukhq/angelia-sub001/changefeed/internal/nilcheck"
	"github.com/piukhq/angelia-sub001/changefeed/log"
	"github.com/piukhq/angelia-sub001/changefeed/opentelemetry"
	"github.com/piukhq/angelia-sub001/changefeed/outbox"
)

var (
	ErrNilDB          = errors.New("postgres store requires a database")
	ErrNilCoordinator = errors.New("postgres store requires a capture coordinator")
	ErrTxDone         = errors.New("transaction already finished")
)

// Store runs transactions whose row changes are reported to change capture.
type Store struct {
	db          dbresolver.DB
	coordinator *capture.Coordinator
	entities    map[string]Entity
	logger      log.Logger
}

// NewStore validates the entity definitions and binds them to db.
func NewStore(db dbresolver.DB, coordinator *capture.Coordinator, logger log.Logger, entities ...Entity) (*Store, error) {
	if nilcheck.Interface(db) {
		return nil, ErrNilDB
	}

	if coordinator == nil {
		return nil, ErrNilCoordinator
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	byName := make(map[string]Entity, len(entities))

	for _, entity := range entities {
		if err := entity.Validate(); err != nil {
			return nil, err
		}

		byName[entity.Name] = entity
	}

	return &Store{db: db, coordinator: coordinator, entities: byName, logger: logger}, nil
}

// WithinTx runs fn in one SQL transaction and one capture unit of work.
// When fn fails or the commit fails, both are rolled back and no event is
// sent. After a successful commit the captured events are dispatched and
// the dispatch result is returned; delivery failures never turn into an
// error here.
func (s *Store) WithinTx(ctx context.Context, principal capture.Principal, fn func(ctx context.Context, tx *Tx) error) (result outbox.DispatchResult, err error) {
	ctx, span := otel.Tracer("postgres").Start(ctx, "postgres.within_tx")
	defer span.End()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		opentelemetry.HandleSpanError(&span, "Failed to begin transaction", err)

		return outbox.DispatchResult{}, fmt.Errorf("begin transaction: %w", err)
	}

	uow := s.coordinator.Begin(ctx, principal)
	tx := &Tx{store: s, sqlTx: sqlTx, uow: uow}

	defer func() {
		if r := recover(); r != nil {
			s.abort(ctx, tx)

			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		s.abort(ctx, tx)
		opentelemetry.HandleSpanError(&span, "Transaction body failed", err)

		return outbox.DispatchResult{}, err
	}

	tx.done = true

	if err := sqlTx.Commit(); err != nil {
		uow.Rollback(ctx)
		opentelemetry.HandleSpanError(&span, "Failed to commit transaction", err)

		return outbox.DispatchResult{}, fmt.Errorf("commit transaction: %w", err)
	}

	result = uow.Commit(ctx)

	span.SetAttributes(
		attribute.Int("changefeed.events.published", result.Published),
		attribute.Int("changefeed.events.requeued", result.Requeued),
	)

	return result, nil
}

func (s *Store) abort(ctx context.Context, tx *Tx) {
	tx.done = true
	tx.uow.Rollback(ctx)

	if err := tx.sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.logger.Log(ctx, log.LevelError, "transaction rollback failed", log.Err(err))
	}
}

func (s *Store) entity(name string) (Entity, error) {
	entity, ok := s.entities[name]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}

	return entity, nil
}

// Tx is the write surface inside WithinTx. Each write reads the affected
// row back and reports the mutation to the unit of work.
type Tx struct {
	store *Store
	sqlTx dbresolver.Tx
	uow   *capture.UnitOfWork
	done  bool
}

// Insert writes one row and returns it as stored.
func (tx *Tx) Insert(ctx context.Context, entityName string, values map[string]any) (map[string]any, error) {
	entity, columns, err := tx.prepare(entityName, values)
	if err != nil {
		return nil, err
	}

	args := make([]any, len(columns))
	placeholders := make([]string, len(columns))

	for i, column := range columns {
		args[i] = values[column]
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		quoteIdent(entity.table()), quoteList(columns), strings.Join(placeholders, ", "), quoteList(entity.columns()))

	row, err := tx.queryRow(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", entity.Name, err)
	}

	tx.uow.Capture(ctx, capture.Mutation{Entity: entity.Name, Kind: outbox.MutationCreate, State: row})

	return row, nil
}

// Update locks the row, applies values and reports the columns whose value
// changed.
func (tx *Tx) Update(ctx context.Context, entityName string, key any, values map[string]any) (map[string]any, error) {
	entity, columns, err := tx.prepare(entityName, values)
	if err != nil {
		return nil, err
	}

	selectQuery := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 FOR UPDATE",
		quoteList(entity.columns()), quoteIdent(entity.table()), quoteIdent(entity.Key))

	before, err := tx.queryRow(ctx, selectQuery, key)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", entity.Name, err)
	}

	args := make([]any, 0, len(columns)+1)
	assignments := make([]string, len(columns))

	for i, column := range columns {
		args = append(args, values[column])
		assignments[i] = fmt.Sprintf("%s = $%d", quoteIdent(column), i+1)
	}

	args = append(args, key)

	updateQuery := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d RETURNING %s",
		quoteIdent(entity.table()), strings.Join(assignments, ", "), quoteIdent(entity.Key), len(args), quoteList(entity.columns()))

	after, err := tx.queryRow(ctx, updateQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", entity.Name, err)
	}

	tx.uow.Capture(ctx, capture.Mutation{
		Entity: entity.Name,
		Kind:   outbox.MutationUpdate,
		State:  after,
		Diff:   diffRows(before, after),
	})

	return after, nil
}

// Delete removes the row and reports its last state.
func (tx *Tx) Delete(ctx context.Context, entityName string, key any) (map[string]any, error) {
	if tx.done {
		return nil, ErrTxDone
	}

	entity, err := tx.store.entity(entityName)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1 RETURNING %s",
		quoteIdent(entity.table()), quoteIdent(entity.Key), quoteList(entity.columns()))

	row, err := tx.queryRow(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", entity.Name, err)
	}

	tx.uow.Capture(ctx, capture.Mutation{Entity: entity.Name, Kind: outbox.MutationDelete, State: row})

	return row, nil
}

// Pending is the number of events captured so far in this transaction.
func (tx *Tx) Pending() int {
	return tx.uow.Pending()
}

func (tx *Tx) prepare(entityName string, values map[string]any) (Entity, []string, error) {
	if tx.done {
		return Entity{}, nil, ErrTxDone
	}

	entity, err := tx.store.entity(entityName)
	if err != nil {
		return Entity{}, nil, err
	}

	if len(values) == 0 {
		return Entity{}, nil, ErrNoValues
	}

	columns := make([]string, 0, len(values))

	for column := range values {
		if !entity.hasColumn(column) {
			return Entity{}, nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, entity.Name, column)
		}

		columns = append(columns, column)
	}

	slices.Sort(columns)

	return entity, columns, nil
}

func (tx *Tx) queryRow(ctx context.Context, query string, args ...any) (map[string]any, error) {
	rows, err := tx.sqlTx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}

		return nil, ErrRowNotFound
	}

	row, err := scanRow(rows)
	if err != nil {
		return nil, err
	}

	return row, rows.Err()
}

func scanRow(rows *sql.Rows) (map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	values := make([]any, len(columns))
	targets := make([]any, len(columns))

	for i := range values {
		targets[i] = &values[i]
	}

	if err := rows.Scan(targets...); err != nil {
		return nil, err
	}

	row := make(map[string]any, len(columns))
	for i, column := range columns {
		row[column] = values[i]
	}

	return row, nil
}

func diffRows(before, after map[string]any) capture.Diff {
	diff := capture.Diff{}

	for column, newValue := range after {
		oldValue := before[column]
		if !reflect.DeepEqual(oldValue, newValue) {
			diff[column] = capture.Change{Old: oldValue, New: newValue}
		}
	}

	return diff
}
