// Package store defines the [Coordinator] interface that the permit
// primitives delegate all state and atomicity to, and provides two
// implementations:
//
//   - [MemoryStore]: an in-process coordinator with store-side expiry. Useful
//     for tests and single-process deployments.
//   - [SQLiteStore]: a coordinator backed by a SQLite database file, shared by
//     every process that can open the file.
//
// A Redis-backed coordinator lives in the store/redis package. Custom
// backends can be created by implementing the [Coordinator] interface.
package store
