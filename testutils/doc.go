// Package testutils provides testing utilities shared across the mailyard
// test suites.
//
// Key components:
//   - MemoryStore: an in-memory mailbox store and credential provider used
//     by the protocol engine tests
//   - SetupTestDatabase: a PostgreSQL-backed database for integration tests,
//     configured through config-test.toml and skipped in short mode
package testutils
