package wire

import "fmt"

// DatabaseType identifies the trie database a node belongs to.
type DatabaseType uint8

const (
	// DBState is the world state trie.
	DBState DatabaseType = iota

	// DBStorage holds contract storage tries.
	DBStorage

	// DBDetails holds contract details.
	DBDetails
)

// String returns the DatabaseType in human-readable form.
func (d DatabaseType) String() string {
	switch d {
	case DBState:
		return "state"
	case DBStorage:
		return "storage"
	case DBDetails:
		return "details"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(d))
	}
}
