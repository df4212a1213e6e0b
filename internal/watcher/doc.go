// Package watcher defines the core types shared across the PDF watcher
// subsystems: pages and their PDF links, archived PDF records, diff and batch
// results, run logs, and the repository interfaces the storage backends
// implement.
package watcher
