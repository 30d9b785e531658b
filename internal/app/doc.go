// Package app composes the reflections service.
//
// Application wires the feed, companion chat and economy services to a
// reflection store, the point ledger client, the award notifier and the
// live state hub, and owns their lifecycle through system.Manager.
//
//	internal/app/
//	├── application.go   wiring and lifecycle
//	├── activity/        per-handle journal of economy actions
//	├── core/service/    component descriptors
//	├── domain/          companions, ledger and reflection models
//	├── httpapi/         routes, SSE and websocket streams
//	├── metrics/         prometheus collectors
//	├── runtime/         HTTP server lifecycle
//	├── services/        feed, chat and economy
//	├── storage/         memory, redis and postgres reflection stores
//	└── system/          start/stop ordering
//
// Services receive their collaborators as interfaces; Dependencies lets
// tests and embedders replace the store, ledger, LLM and classifier.
package app
