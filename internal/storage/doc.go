// Package storage implements the time-series engine behind the scrape
// pipeline.
//
// Samples flow through three stages:
//
//  1. WAL: every accepted batch is appended to the write-ahead log before
//     it is acknowledged, so an unclean shutdown loses nothing that was
//     confirmed to a caller.
//  2. Head: the open block window buffers samples in memory. Timestamps
//     are strictly increasing per series; anything else is dropped as out
//     of order.
//  3. Blocks: when the window elapses the head is sealed into an immutable
//     Parquet file named after its half-open time range. Sealed blocks are
//     swept by retention and merged by compaction in the background.
//
// Queries run over the sealed blocks with DuckDB and are merged with the
// head's in-memory series.
package storage
