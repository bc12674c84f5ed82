package scan

import "testing"

type gridVolume struct {
	box   Box
	off   Offset
	cells map[Vec3i]int // storage coordinates
	bad   map[Vec3i]bool
	calls int
}

func (g *gridVolume) Bounds() Box    { return g.box }
func (g *gridVolume) Offset() Offset { return g.off }

func (g *gridVolume) BlockAt(x, y, z int) (int, bool) {
	g.calls++
	p := Vec3i{x, y, z}
	if g.bad[p] {
		return 0, false
	}
	return g.cells[p], true
}

type knownSet map[string]bool

func (k knownSet) Has(name string) bool { return k[name] }

func TestNewIDTable_FirstNameWins(t *testing.T) {
	ids := NewIDTable(map[string]int{"Zeta": 5, "Alpha": 5, "Hull": 7})
	if ids[5] != "Alpha" || ids[7] != "Hull" || len(ids) != 2 {
		t.Fatalf("ids=%v", ids)
	}
}

func TestScanner_Blocks(t *testing.T) {
	v := &gridVolume{
		box: Box{Min: Vec3i{-1, 0, 0}, Max: Vec3i{1, 1, 2}},
		off: DefaultOffset,
		cells: map[Vec3i]int{
			{-1, 128, 0}: 10, // thruster
			{0, 128, 0}:  10, // duplicate
			{1, 129, 2}:  20, // generator
			{0, 129, 1}:  30, // mapped, no definition
			{0, 128, 2}:  99, // unmapped id
			{1, 1, 1}:    20, // below the vertical offset, never visited
		},
		bad: map[Vec3i]bool{{-1, 129, 2}: true},
	}
	ids := IDTable{10: "Thr", 20: "Gen", 30: "Ghost"}
	s := New(ids, knownSet{"Thr": true, "Gen": true})

	got := s.Blocks(v)
	if want := []string{"Gen", "Thr"}; len(got) != 2 || got.Sorted()[0] != want[0] || got.Sorted()[1] != want[1] {
		t.Fatalf("blocks=%v want=%v", got.Sorted(), want)
	}
	if v.calls != v.box.Cells() || v.box.Cells() != 18 {
		t.Fatalf("calls=%d cells=%d", v.calls, v.box.Cells())
	}
	if s.CellsVisited() != 18 {
		t.Fatalf("CellsVisited=%d", s.CellsVisited())
	}
	if !got.Any(func(n string) bool { return n == "Gen" }) || got.Any(func(n string) bool { return n == "Ghost" }) {
		t.Fatalf("Any mismatch: %v", got.Sorted())
	}
}

func TestScanner_EmptyAndInverted(t *testing.T) {
	s := New(IDTable{1: "A"}, knownSet{"A": true})
	if got := s.Blocks(nil); len(got) != 0 {
		t.Fatalf("nil volume=%v", got)
	}
	inv := &gridVolume{box: Box{Min: Vec3i{2, 0, 0}, Max: Vec3i{1, 0, 0}}}
	if got := s.Blocks(inv); len(got) != 0 || inv.calls != 0 {
		t.Fatalf("inverted box visited %d cells", inv.calls)
	}
	if inv.box.Cells() != 0 {
		t.Fatalf("inverted Cells=%d", inv.box.Cells())
	}
}

func TestScanner_UsesVolumeOffset(t *testing.T) {
	box := Box{Min: Vec3i{0, 0, 0}, Max: Vec3i{1, 0, 0}}
	cases := []struct {
		name string
		off  Offset
	}{
		{"default", DefaultOffset},
		{"unshifted", Offset{}},
		{"all axes", Offset{X: 5, Y: 64, Z: -3}},
	}
	for _, tc := range cases {
		v := &gridVolume{
			box:   box,
			off:   tc.off,
			cells: map[Vec3i]int{{1 + tc.off.X, tc.off.Y, tc.off.Z}: 10},
		}
		got := New(IDTable{10: "Thr"}, knownSet{"Thr": true}).Blocks(v)
		if len(got) != 1 || v.calls != 2 {
			t.Fatalf("%s: blocks=%v calls=%d", tc.name, got.Sorted(), v.calls)
		}
	}
}
