// Package machinetest provides an in-memory motion controller for tests.
package machinetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mikeyg42/toolalign/internal/machine"
)

// Simulator is a Controller that moves exactly as commanded. Each move
// keeps the machine busy for BusyPolls calls to IsIdle.
type Simulator struct {
	mu sync.Mutex

	pos       machine.Coordinates
	offsets   map[int]machine.Coordinates
	tool      int
	busy      int
	BusyPolls int
	Unhomed   bool

	// FailOn makes the named operation return Err once the call counter
	// for that operation reaches FailAfter.
	FailOn    string
	FailAfter int
	Err       error
	calls     map[string]int

	Log []string
}

// NewSimulator creates a simulator parked at start with no tool loaded.
func NewSimulator(start machine.Coordinates) *Simulator {
	return &Simulator{
		pos:     start,
		offsets: make(map[int]machine.Coordinates),
		tool:    -1,
		calls:   make(map[string]int),
	}
}

// SetToolOffset seeds the firmware offset for a tool.
func (s *Simulator) SetToolOffset(tool int, c machine.Coordinates) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[tool] = c
}

// Position returns the commanded machine position.
func (s *Simulator) Position() machine.Coordinates {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Tool returns the loaded tool, -1 when none.
func (s *Simulator) Tool() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tool
}

// ToolOffset returns the offset currently stored for tool.
func (s *Simulator) ToolOffset(tool int) machine.Coordinates {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[tool]
}

// Commands returns a copy of the command log.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Log...)
}

func (s *Simulator) enter(op string) error {
	s.calls[op]++
	if s.FailOn == op && s.calls[op] >= s.FailAfter && s.Err != nil {
		return s.Err
	}
	return nil
}

func (s *Simulator) IsIdle(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("IsIdle"); err != nil {
		return false, err
	}
	if s.busy > 0 {
		s.busy--
		return false, nil
	}
	return true, nil
}

func (s *Simulator) IsHomed(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("IsHomed"); err != nil {
		return false, err
	}
	return !s.Unhomed, nil
}

func (s *Simulator) GetCoordinates(ctx context.Context) (machine.Coordinates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetCoordinates"); err != nil {
		return machine.Coordinates{}, err
	}
	return s.pos, nil
}

func (s *Simulator) MoveAbsolute(ctx context.Context, speed float64, axes machine.Axes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("MoveAbsolute"); err != nil {
		return err
	}
	if axes.X != nil {
		s.pos.X = *axes.X
	}
	if axes.Y != nil {
		s.pos.Y = *axes.Y
	}
	if axes.Z != nil {
		s.pos.Z = *axes.Z
	}
	s.busy = s.BusyPolls
	s.Log = append(s.Log, fmt.Sprintf("abs %.3f %.3f %.3f", s.pos.X, s.pos.Y, s.pos.Z))
	return nil
}

func (s *Simulator) MoveRelative(ctx context.Context, speed float64, axes machine.Axes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("MoveRelative"); err != nil {
		return err
	}
	if axes.X != nil {
		s.pos.X += *axes.X
	}
	if axes.Y != nil {
		s.pos.Y += *axes.Y
	}
	if axes.Z != nil {
		s.pos.Z += *axes.Z
	}
	s.busy = s.BusyPolls
	s.Log = append(s.Log, fmt.Sprintf("rel %.3f %.3f %.3f", s.pos.X, s.pos.Y, s.pos.Z))
	return nil
}

func (s *Simulator) LoadTool(ctx context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("LoadTool"); err != nil {
		return err
	}
	s.tool = index
	s.busy = s.BusyPolls
	s.Log = append(s.Log, fmt.Sprintf("T%d", index))
	return nil
}

func (s *Simulator) UnloadTools(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UnloadTools"); err != nil {
		return err
	}
	s.tool = -1
	s.busy = s.BusyPolls
	s.Log = append(s.Log, "T-1")
	return nil
}

func (s *Simulator) GetToolOffset(ctx context.Context, index int) (machine.Coordinates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetToolOffset"); err != nil {
		return machine.Coordinates{}, err
	}
	return s.offsets[index], nil
}

func (s *Simulator) SetToolOffsets(ctx context.Context, tool int, x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SetToolOffsets"); err != nil {
		return err
	}
	off := s.offsets[tool]
	off.X, off.Y = x, y
	s.offsets[tool] = off
	s.Log = append(s.Log, machine.OffsetCommand(tool, x, y))
	return nil
}

// SaveOffsets records an M500.
func (s *Simulator) SaveOffsets(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Log = append(s.Log, "M500")
	return nil
}
