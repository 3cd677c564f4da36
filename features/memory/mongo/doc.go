// Package mongo provides MongoDB-backed conversation memory. Use clients/mongo
// to build the low-level client and pass it to NewStore to obtain a
// memory.Store that persists completed turns per session.
package mongo
