// Package credstore provides persistent key-value storage for session credentials.
//
// Supports several storage backends with different security and deployment tradeoffs:
//   - File: Local JSON document with atomic writes, secure permissions and a cross-process lock
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//   - Bolt: Embedded bbolt database, all entries of a write committed in one transaction
//   - Redis: Shared storage for deployments running several replicas against one session
//   - Memory: Process-local storage, lost on exit
//
// Writes and deletes are applied in the order given. Backends that support
// transactions apply them atomically; the others apply them one by one, so
// callers order entries such that an interrupted sequence is still readable.
package credstore
