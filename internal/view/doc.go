// Package view turns buffered records into display rows.
//
// A Projector extracts message and level from a record's JSON payload, a
// Filter selects rows by folded text and level, and a Timeline keeps a row
// model in step with a stream by applying tail updates incrementally.
package view
