// Package ps implements the parameter-server node: lifecycle, membership
// change (join/transfer/proxy), and the serving RPC surface over the
// table engine (spec.md §4.2–§4.5).
package ps

import "strings"

// Status is a bitset over a node's lifecycle phases (spec.md §4.2).
// A node can be in several phases simultaneously (e.g. Work|Proxy).
type Status uint8

const (
	StatusInit Status = 1 << iota
	StatusWork
	StatusProxy
	StatusTransfer
	StatusSave
	StatusLoad
)

func (s Status) Has(bit Status) bool { return s&bit != 0 }

func (s Status) String() string {
	var parts []string
	if s.Has(StatusInit) {
		parts = append(parts, "Init")
	}
	if s.Has(StatusWork) {
		parts = append(parts, "Work")
	}
	if s.Has(StatusProxy) {
		parts = append(parts, "Proxy")
	}
	if s.Has(StatusTransfer) {
		parts = append(parts, "Transfer")
	}
	if s.Has(StatusSave) {
		parts = append(parts, "Save")
	}
	if s.Has(StatusLoad) {
		parts = append(parts, "Load")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
