package simhost

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"autolevel.ai/internal/sim/monitor"
	"autolevel.ai/internal/sim/scan"
)

// Entity is a live simulated structure. Fields below the blank line are
// guarded by the owning World's mutex.
type Entity struct {
	w         *World
	partition string
	id        int
	name      string
	typ       monitor.EntityType
	faction   monitor.FactionGroup

	core    monitor.CoreType
	powered bool
	cells   map[scan.Vec3i]int // structure coordinates
	rot     mgl32.Quat
	moving  bool
	loaded  bool
	snap    *Structure
}

func (w *World) newEntity(partition string, s EntitySpec) (*Entity, error) {
	typ, err := monitor.ParseEntityType(s.Type)
	if err != nil {
		return nil, err
	}
	fac, err := monitor.ParseFactionGroup(s.Faction)
	if err != nil {
		return nil, err
	}
	core, err := monitor.ParseCoreType(s.Core)
	if err != nil {
		return nil, err
	}
	e := &Entity{
		w:         w,
		partition: partition,
		id:        s.ID,
		name:      s.Name,
		typ:       typ,
		faction:   fac,
		core:      core,
		powered:   s.Powered == nil || *s.Powered,
		cells:     map[scan.Vec3i]int{},
		rot:       Orientation(s.Yaw, s.Pitch, s.Roll),
		moving:    true,
		loaded:    true,
	}
	for _, b := range s.Blocks {
		id, ok := w.ids[b.Block]
		if !ok {
			return nil, fmt.Errorf("block %q has no id", b.Block)
		}
		to := b.At
		if b.To != nil {
			to = *b.To
		}
		box := scan.Box{Min: b.At, Max: to}
		if box.Cells() == 0 {
			return nil, fmt.Errorf("block %q: empty fill %v..%v", b.Block, b.At, to)
		}
		for x := box.Min.X; x <= box.Max.X; x++ {
			for y := box.Min.Y; y <= box.Max.Y; y++ {
				for z := box.Min.Z; z <= box.Max.Z; z++ {
					e.cells[scan.Vec3i{X: x, Y: y, Z: z}] = id
				}
			}
		}
	}
	return e, nil
}

// Orientation builds a rotation from yaw (about +Y), pitch (about +X) and
// roll (about +Z), all in degrees, applied in that order.
func Orientation(yaw, pitch, roll float32) mgl32.Quat {
	return mgl32.QuatRotate(mgl32.DegToRad(yaw), mgl32.Vec3{0, 1, 0}).
		Mul(mgl32.QuatRotate(mgl32.DegToRad(pitch), mgl32.Vec3{1, 0, 0})).
		Mul(mgl32.QuatRotate(mgl32.DegToRad(roll), mgl32.Vec3{0, 0, 1}))
}

func (e *Entity) ID() int                       { return e.id }
func (e *Entity) Name() string                  { return e.name }
func (e *Entity) Type() monitor.EntityType      { return e.typ }
func (e *Entity) Faction() monitor.FactionGroup { return e.faction }

// Refresh rebuilds the structure snapshot from live state.
func (e *Entity) Refresh() error {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	if !e.loaded {
		return fmt.Errorf("%w: %s:%d", ErrUnknownEntity, e.partition, e.id)
	}
	s := &Structure{
		core:    e.core,
		powered: e.powered,
		cells:   make(map[scan.Vec3i]int, len(e.cells)),
		offset:  e.w.offset,
	}
	first := true
	for p, id := range e.cells {
		s.cells[p] = id
		if first {
			s.box = scan.Box{Min: p, Max: p}
			first = false
			continue
		}
		s.box.Min = scan.Vec3i{X: min(s.box.Min.X, p.X), Y: min(s.box.Min.Y, p.Y), Z: min(s.box.Min.Z, p.Z)}
		s.box.Max = scan.Vec3i{X: max(s.box.Max.X, p.X), Y: max(s.box.Max.Y, p.Y), Z: max(s.box.Max.Z, p.Z)}
	}
	if first {
		// No blocks left: an inverted box has no cells.
		s.box = scan.Box{Min: scan.Vec3i{X: 1}, Max: scan.Vec3i{}}
	}
	e.snap = s
	return nil
}

func (e *Entity) Structure() monitor.Structure {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	if e.snap == nil {
		return nil
	}
	return e.snap
}

func (e *Entity) MoveStop() error {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	if !e.loaded {
		return fmt.Errorf("%w: %s:%d", ErrUnknownEntity, e.partition, e.id)
	}
	e.moving = false
	return nil
}

func (e *Entity) Moving() bool {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	return e.moving
}

func (e *Entity) Rotation() (mgl32.Quat, error) {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	if !e.loaded {
		return mgl32.QuatIdent(), fmt.Errorf("%w: %s:%d", ErrUnknownEntity, e.partition, e.id)
	}
	return e.rot, nil
}

func (e *Entity) SetRotation(q mgl32.Quat) error {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	if !e.loaded {
		return fmt.Errorf("%w: %s:%d", ErrUnknownEntity, e.partition, e.id)
	}
	e.rot = q.Normalize()
	return nil
}

// EntityView is the JSON shape of an entity for admin endpoints.
type EntityView struct {
	ID      int     `json:"id"`
	Name    string  `json:"name"`
	Type    string  `json:"type"`
	Faction string  `json:"faction"`
	Core    string  `json:"core"`
	Powered bool    `json:"powered"`
	Moving  bool    `json:"moving"`
	Blocks  int     `json:"blocks"`
	Pitch   float32 `json:"pitch_deg"`
	Roll    float32 `json:"roll_deg"`
}

func (e *Entity) View() EntityView {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	fwd := e.rot.Rotate(mgl32.Vec3{0, 0, 1})
	right := e.rot.Rotate(mgl32.Vec3{1, 0, 0})
	return EntityView{
		ID:      e.id,
		Name:    e.name,
		Type:    e.typ.String(),
		Faction: e.faction.String(),
		Core:    e.core.String(),
		Powered: e.powered,
		Moving:  e.moving,
		Blocks:  len(e.cells),
		Pitch:   elevation(fwd),
		Roll:    elevation(right),
	}
}

// elevation is the angle of v above the horizontal plane, in degrees.
func elevation(v mgl32.Vec3) float32 {
	h := math.Hypot(float64(v.X()), float64(v.Z()))
	return mgl32.RadToDeg(float32(math.Atan2(float64(v.Y()), h)))
}

// Structure is an immutable snapshot taken by Refresh. Cells are keyed in
// structure coordinates; BlockAt takes storage coordinates.
type Structure struct {
	core    monitor.CoreType
	powered bool
	box     scan.Box
	cells   map[scan.Vec3i]int
	offset  scan.Offset
}

func (s *Structure) CoreType() monitor.CoreType { return s.core }
func (s *Structure) Powered() bool              { return s.powered }
func (s *Structure) Bounds() scan.Box           { return s.box }
func (s *Structure) Offset() scan.Offset        { return s.offset }

func (s *Structure) BlockAt(x, y, z int) (int, bool) {
	p := scan.Vec3i{X: x - s.offset.X, Y: y - s.offset.Y, Z: z - s.offset.Z}
	if p.X < s.box.Min.X || p.X > s.box.Max.X || p.Y < s.box.Min.Y || p.Y > s.box.Max.Y || p.Z < s.box.Min.Z || p.Z > s.box.Max.Z {
		return 0, false
	}
	return s.cells[p], true
}
