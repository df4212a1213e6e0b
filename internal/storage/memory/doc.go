// Package memory provides in-memory repositories and a blob store for
// development and tests.
package memory
