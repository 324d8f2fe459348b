// Package publisher streams change events to external systems.
//
// Every configured sink gets a Worker that owns one change stream cursor.
// The worker filters events by collection glob, transforms them, and
// publishes them with exponential backoff. Progress is acknowledged per
// sink in the oplog so a restarted worker resumes after the last event it
// published (at-least-once delivery).
//
// A cursor opened with fullDocumentBeforeChange=required fails terminally
// when a pre-image is missing. That stops only the worker that owns it;
// other sinks keep publishing.
//
// Sinks and transformers register themselves by name:
//
//	import (
//		_ "github.com/maxpert/docstream/publisher/sink"
//		_ "github.com/maxpert/docstream/publisher/transformer"
//	)
package publisher
