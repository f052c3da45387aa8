// Package domain defines the core business types for the IGNITE event
// ingestion pipeline.
//
// Types in this package are pure value objects with no behavior beyond pure
// functions, no database dependencies, and no transport concerns. They are
// the shared language between the source watchers, the validator, the sink,
// and the rollup refresher.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no amqp.Channel, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Derivation and classification methods are allowed (pure functions)
//   - Constants and enums belong here
package domain
