// Package schedule implements the timestamp-bucketed pending-registration
// store used by the job manager. Entries are grouped by their target firing
// time, recur on a per-entry cadence, and survive restarts through an opaque
// JSON export/import blob with lazily-decoded buckets.
package schedule
