// Package domain defines the core business types for the warmup engine.
//
// Types in this package are pure value objects with no behavior beyond
// derived-rate helpers, no database dependencies, and no HTTP concerns.
// They are the shared language between the scheduler, the response engine,
// the bounce monitor, and the storage adapter.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Derived-rate methods are allowed (they're pure functions on the type)
//   - Constants and enums belong here
package domain
