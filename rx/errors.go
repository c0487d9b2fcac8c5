package rx

import (
	"errors"
	"fmt"

	"github.com/romshark/rxpath/desc"
)

var (
	ErrLowMemory   = errors.New("buffer allocator exhausted")
	ErrUnknownPool = errors.New("descriptor of unknown pool")
	ErrNoPools     = errors.New("engine has no pools")
)

// FatalKind classifies ring-protocol violations.
type FatalKind uint8

const (
	// FatalSlotError is a completion slot hardware flagged as erroneous.
	FatalSlotError FatalKind = iota + 1
	// FatalMSDUDone is a terminal frame without the MSDU done bit.
	FatalMSDUDone
)

func (k FatalKind) String() string {
	switch k {
	case FatalSlotError:
		return "slot error status"
	case FatalMSDUDone:
		return "msdu done missing"
	}
	return fmt.Sprintf("fatal(%d)", uint8(k))
}

// FatalError reports a hardware/software contract breach on a ring. The
// engine escalates it and keeps servicing the ring.
type FatalError struct {
	Kind   FatalKind
	Ring   string
	Cookie desc.Cookie
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("ring %s: %s (cookie %s)", e.Ring, e.Kind, e.Cookie)
}
