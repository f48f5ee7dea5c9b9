package serialization

import (
	"github.com/zeusync/remoteserver/internal/core/errs"
)

type Status uint8

const (
	Undecided Status = iota
	Allowed
	Rejected
)

func (s Status) String() string {
	switch s {
	case Allowed:
		return "ALLOWED"
	case Rejected:
		return "REJECTED"
	default:
		return "UNDECIDED"
	}
}

// Gate classifies wire types before they are materialized. Implementations
// are safe for concurrent use and have no effect on session state.
type Gate interface {
	CheckInput(class *Class) Status
}

// Admit checks class and each of its supertypes, failing with
// errs.ErrRejected on the first one the gate rejects.
func Admit(gate Gate, class *Class) error {
	var rejected *Class
	Walk(class, func(c *Class) bool {
		if gate.CheckInput(c) == Rejected {
			rejected = c
			return false
		}
		return true
	})
	if rejected != nil {
		return errs.Rejected(rejected.Name)
	}
	return nil
}

// AllowAll is the gate used when no filtering is configured.
type AllowAll struct{}

func (AllowAll) CheckInput(class *Class) Status {
	if class == nil {
		return Undecided
	}
	return Allowed
}
