package process

import "context"

// Terminator adapts the package-level Kill and Alive to an interface value.
type Terminator struct{}

// NewTerminator returns the OS terminator.
func NewTerminator() Terminator { return Terminator{} }

func (Terminator) Kill(ctx context.Context, pid int) error { return Kill(ctx, pid) }

func (Terminator) Alive(pid int) bool { return Alive(pid) }
