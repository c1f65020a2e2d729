package gpucore

import (
	"fmt"
	"strings"
)

// ResourceState is the access mode a (sub)resource is currently in.
//
// States are bit flags so read-only states can be combined
// (StateVertexBuffer | StateShaderRead). The Locked bit is not a state: it
// asks the tracker to pin the resource in the requested state until it is
// explicitly unlocked.
type ResourceState uint32

// Resource states.
const (
	// StateCommon is the initial state of every resource.
	StateCommon ResourceState = 0

	StateVertexBuffer ResourceState = 1 << (iota - 1)
	StateIndexBuffer
	StateUniform
	StateShaderRead
	StateStorage
	StateRenderTarget
	StateDepthWrite
	StateDepthRead
	StateCopySrc
	StateCopyDst
	StateIndirect
	StatePresent
)

// Locked pins a resource in the requested state across several uses.
const Locked ResourceState = 1 << 31

// readOnly lists the states that may be combined with each other.
const readOnly = StateVertexBuffer | StateIndexBuffer | StateUniform | StateShaderRead |
	StateDepthRead | StateCopySrc | StateIndirect | StatePresent

// Unlocked returns s without the Locked bit.
func (s ResourceState) Unlocked() ResourceState { return s &^ Locked }

// IsLocked reports whether s carries the Locked bit.
func (s ResourceState) IsLocked() bool { return s&Locked != 0 }

// IsReadOnly reports whether every state in s is read-only.
func (s ResourceState) IsReadOnly() bool { return s.Unlocked()&^readOnly == 0 }

var stateNames = []struct {
	s    ResourceState
	name string
}{
	{StateVertexBuffer, "VertexBuffer"},
	{StateIndexBuffer, "IndexBuffer"},
	{StateUniform, "Uniform"},
	{StateShaderRead, "ShaderRead"},
	{StateStorage, "Storage"},
	{StateRenderTarget, "RenderTarget"},
	{StateDepthWrite, "DepthWrite"},
	{StateDepthRead, "DepthRead"},
	{StateCopySrc, "CopySrc"},
	{StateCopyDst, "CopyDst"},
	{StateIndirect, "Indirect"},
	{StatePresent, "Present"},
	{Locked, "Locked"},
}

// String returns the state names joined with '|'.
func (s ResourceState) String() string {
	if s == StateCommon {
		return "Common"
	}
	var parts []string
	rest := s
	for _, n := range stateNames {
		if s&n.s != 0 {
			parts = append(parts, n.name)
			rest &^= n.s
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// BandWidth is the number of subresources addressed by one transition mask.
const BandWidth = 32

// Transition tells the device that part of a resource changes state.
type Transition struct {
	// Resource is the backend resource being transitioned.
	Resource Resource

	// Handle is the tracker handle of the resource.
	Handle uint32

	// Whole selects every subresource; Offset and Mask are ignored.
	Whole bool

	// Offset is the first subresource of the band, a multiple of BandWidth.
	Offset uint32

	// Mask selects subresources Offset+i for every set bit i.
	Mask uint32

	Before ResourceState
	After  ResourceState
}

// Subresources returns the subresource indices covered by a banded
// transition, or nil for a whole-resource transition.
func (t Transition) Subresources() []int {
	if t.Whole {
		return nil
	}
	var out []int
	for i := 0; i < BandWidth; i++ {
		if t.Mask&(1<<uint(i)) != 0 {
			out = append(out, int(t.Offset)+i)
		}
	}
	return out
}

// String describes the transition for logs.
func (t Transition) String() string {
	scope := "all"
	if !t.Whole {
		scope = fmt.Sprintf("%d+%#x", t.Offset, t.Mask)
	}
	return fmt.Sprintf("#%d[%s] %v -> %v", t.Handle, scope, t.Before, t.After)
}
