package storage

// Package storage provides a minimal persistence layer used by the job engine.
//
// It currently supports:
//   - Audit log appends (job lifecycle mutations)
//   - Schedule state snapshots (to survive restarts)
