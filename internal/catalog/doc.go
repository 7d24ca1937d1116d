// Package catalog exposes the declaratively defined tools to the dispatcher.
//
// Catalog is a read-only view over the tool store: the active definitions and
// their ordered parameter lists. SchemaBuilder turns a parameter list into a
// Schema, which advertises the tool's input as JSON Schema and validates and
// coerces caller arguments before execution.
//
// Parameter types outside the recognised set fall back to STRING, so a typo
// in a definition degrades to a permissive string field rather than breaking
// the whole listing.
package catalog
