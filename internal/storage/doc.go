// Package storage provides the persistence layer behind the engine's
// repository interfaces.
//
// Drivers:
//   - memory: process-local maps (default, also used by tests)
//   - sqlite: single-file database via modernc.org/sqlite
//
// The engine packages only depend on the interfaces in types.go; mobile
// hosts are expected to supply their own implementations.
package storage
