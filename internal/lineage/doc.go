// Package lineage records movements and traces lots through them.
//
// Movements form a directed acyclic graph: a movement can only link back to
// movements recorded before it. Trace is a level-by-level breadth-first walk
// with a visited set, bounded by a maximum depth. Recall is a forward trace
// followed by a kernel status change on the lot.
package lineage
