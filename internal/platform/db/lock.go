package db

import "fmt"

// LockStrength is the row lock requested by a SELECT.
type LockStrength int

const (
	// LockNone issues a plain read.
	LockNone LockStrength = iota
	// LockShare blocks writers but lets other readers and share lockers in.
	LockShare
	// LockExclusive blocks every other locker of the row until commit.
	LockExclusive
	// LockNoLock asks for a non-blocking dirty read on engines that offer
	// one. PostgreSQL never returns uncommitted rows, so it renders like
	// LockNone.
	LockNoLock
)

func (l LockStrength) String() string {
	switch l {
	case LockNone:
		return "none"
	case LockShare:
		return "share"
	case LockExclusive:
		return "exclusive"
	case LockNoLock:
		return "no_lock"
	default:
		return fmt.Sprintf("lock(%d)", int(l))
	}
}

// LockClause renders the PostgreSQL row-lock suffix for a SELECT. tables
// restricts the lock to the named relations when the query joins.
func LockClause(l LockStrength, tables ...string) string {
	var clause string
	switch l {
	case LockShare:
		clause = " FOR SHARE"
	case LockExclusive:
		clause = " FOR UPDATE"
	default:
		return ""
	}
	if len(tables) > 0 {
		clause += " OF " + tables[0]
		for _, t := range tables[1:] {
			clause += ", " + t
		}
	}
	return clause
}
