// Package capture turns storage mutations into outbox event records.
//
// Each storage transaction gets its own UnitOfWork from a Coordinator. The
// storage layer reports every insert, update and delete of a watched entity
// through Capture before it commits, then calls Commit after a successful
// commit or Rollback otherwise. Capture never fails the caller: mapping
// problems are logged and the mutation produces no record.
package capture
