// Package store is the persistence collaborator behind the tool gateway.
//
// It holds the catalog of declaratively defined tools and their parameter
// sets, registered accounts, delegated credentials (stored as digests only),
// quota policies keyed by (scope, key), and the append-only usage ledger that
// both auditing and quota counting read from. It also executes catalog query
// templates with bound parameters through RunTemplate.
//
// SQLStore is the production implementation; MockStore is an in-memory
// implementation for tests in other packages.
package store
