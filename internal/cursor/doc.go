// Package cursor tracks where each tailed stream should resume.
//
// MemoryStore is the default and keeps positions for the life of the
// process. SQLiteStore layers write-through persistence on top of it so a
// restarted CLI or gateway picks up where it left off; it owns an exclusive
// lock on its database file so two processes never interleave cursor writes.
package cursor
