// Package scan enumerates the classified blocks inside a structure's
// bounding volume.
package scan

import "sort"

type Vec3i struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
	Z int `json:"z" yaml:"z"`
}

// Box is an inclusive integer bounding box in structure coordinates.
type Box struct {
	Min Vec3i `json:"min"`
	Max Vec3i `json:"max"`
}

// Cells returns the number of cells the box covers (0 for an inverted box).
func (b Box) Cells() int {
	dx := b.Max.X - b.Min.X + 1
	dy := b.Max.Y - b.Min.Y + 1
	dz := b.Max.Z - b.Min.Z + 1
	if dx <= 0 || dy <= 0 || dz <= 0 {
		return 0
	}
	return dx * dy * dz
}

// Offset maps structure coordinates into the host's block storage space.
type Offset Vec3i

// DefaultOffset is the host's storage layout: the vertical axis is shifted by
// 128, the horizontal axes are unshifted.
var DefaultOffset = Offset{Y: 128}

// Volume is a structure snapshot as seen by the scanner. Bounds are in
// structure coordinates; Offset is the host's storage layout for the volume.
// BlockAt takes storage coordinates and reports ok=false for cells it cannot
// resolve.
type Volume interface {
	Bounds() Box
	Offset() Offset
	BlockAt(x, y, z int) (id int, ok bool)
}

// Known reports whether a block name has a definition.
type Known interface {
	Has(name string) bool
}

// IDTable maps raw block ids to definition names.
type IDTable map[int]string

// NewIDTable inverts the host's name -> id mapping. When several names share
// an id the lexically first one wins.
func NewIDTable(byName map[string]int) IDTable {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	t := make(IDTable, len(byName))
	for _, name := range names {
		id := byName[name]
		if _, taken := t[id]; !taken {
			t[id] = name
		}
	}
	return t
}

// Set is a deduplicated set of block names.
type Set map[string]struct{}

// Any reports whether some member satisfies pred.
func (s Set) Any(pred func(name string) bool) bool {
	for name := range s {
		if pred(name) {
			return true
		}
	}
	return false
}

func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type Scanner struct {
	ids   IDTable
	known Known

	cells uint64
}

func New(ids IDTable, known Known) *Scanner {
	return &Scanner{ids: ids, known: known}
}

// Blocks walks every cell of v's bounding box and returns the names of the
// known blocks found. Empty cells, unmapped ids and names without a
// definition are skipped.
func (s *Scanner) Blocks(v Volume) Set {
	out := Set{}
	if v == nil {
		return out
	}
	b, o := v.Bounds(), v.Offset()
	for x := b.Min.X + o.X; x <= b.Max.X+o.X; x++ {
		for y := b.Min.Y + o.Y; y <= b.Max.Y+o.Y; y++ {
			for z := b.Min.Z + o.Z; z <= b.Max.Z+o.Z; z++ {
				s.cells++
				id, ok := v.BlockAt(x, y, z)
				if !ok || id == 0 {
					continue
				}
				name, ok := s.ids[id]
				if !ok || !s.known.Has(name) {
					continue
				}
				out[name] = struct{}{}
			}
		}
	}
	return out
}

// CellsVisited is the running total of cells walked by Blocks.
func (s *Scanner) CellsVisited() uint64 { return s.cells }
