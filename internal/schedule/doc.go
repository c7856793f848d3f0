// Package schedule holds the domain model shared by the sync pipeline:
// groups, parsed entries, dimension entities, lessons and their fingerprints,
// and the per-cycle epoch value.
package schedule
