// Package postgres is the reference data layer feeding change capture. Its
// Store runs each transaction together with a capture unit of work, so rows
// written through a Tx produce change events after commit and none after
// rollback.
package postgres
