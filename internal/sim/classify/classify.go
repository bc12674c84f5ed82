// Package classify resolves each block definition's categories through the
// Class / Ref / ParentBlocks / TemplateRoot chain and keeps reverse lookup
// tables. An Index is immutable once built and safe for concurrent readers.
package classify

import (
	"slices"
	"sort"

	"autolevel.ai/internal/sim/catalogs"
)

const (
	Unclassified = "Unclassified"
	Thruster     = "Thruster"
	Generator    = "Generator"
)

// Resolver computes category sets for definitions of one catalog. It memoises
// as it goes and is not safe for concurrent use; share the Index instead.
type Resolver struct {
	cat   *catalogs.BlockCatalog
	clean map[string][]string // results that never hit a cycle cut
}

func NewResolver(cat *catalogs.BlockCatalog) *Resolver {
	return &Resolver{cat: cat, clean: map[string][]string{}}
}

// Resolve returns the categories of the named definition. Unknown names
// resolve to {Unclassified}. The result is never empty and must not be
// modified.
func (r *Resolver) Resolve(name string) []string {
	d, ok := r.cat.Def(name)
	if !ok {
		return []string{Unclassified}
	}
	out, _ := r.resolve(d, map[string]bool{})
	return out
}

// resolve reports cut=true when the result depended on a cycle being cut
// somewhere below d; such results depend on the entry point and are not
// memoised.
func (r *Resolver) resolve(d catalogs.BlockDef, visiting map[string]bool) (out []string, cut bool) {
	if got, ok := r.clean[d.Name]; ok {
		return got, false
	}
	if visiting[d.Name] {
		return []string{Unclassified}, true
	}
	visiting[d.Name] = true
	defer delete(visiting, d.Name)

	out, cut = r.step(d, visiting)
	if len(out) == 0 {
		out = []string{Unclassified}
	}
	if !cut {
		r.clean[d.Name] = out
	}
	return out, cut
}

func (r *Resolver) step(d catalogs.BlockDef, visiting map[string]bool) ([]string, bool) {
	switch {
	case d.Class != "":
		return []string{d.Class}, false
	case d.Reference != "":
		return r.follow(d.Reference, visiting)
	case len(d.Parents) > 0:
		var out []string
		seen := map[string]bool{}
		anyCut := false
		for _, p := range d.Parents {
			classes, cut := r.follow(p, visiting)
			anyCut = anyCut || cut
			for _, c := range classes {
				if !seen[c] {
					seen[c] = true
					out = append(out, c)
				}
			}
		}
		return out, anyCut
	case d.TemplateRoot != "" && d.TemplateRoot != d.Name:
		return r.follow(d.TemplateRoot, visiting)
	default:
		return []string{Unclassified}, false
	}
}

func (r *Resolver) follow(name string, visiting map[string]bool) ([]string, bool) {
	next, ok := r.cat.Def(name)
	if !ok {
		return []string{Unclassified}, false
	}
	return r.resolve(next, visiting)
}

// Index holds the resolved categories of every definition in a catalog.
type Index struct {
	classes    map[string][]string
	byClass    map[string][]string
	thrusters  map[string]struct{}
	generators map[string]struct{}
	classNames []string
}

// Build resolves every definition of cat.
func Build(cat *catalogs.BlockCatalog) *Index {
	r := NewResolver(cat)
	x := &Index{
		classes:    make(map[string][]string, cat.Len()),
		byClass:    map[string][]string{},
		thrusters:  map[string]struct{}{},
		generators: map[string]struct{}{},
	}
	for _, name := range cat.Names {
		classes := r.Resolve(name)
		x.classes[name] = classes
		for _, c := range classes {
			x.byClass[c] = append(x.byClass[c], name)
			switch c {
			case Thruster:
				x.thrusters[name] = struct{}{}
			case Generator:
				x.generators[name] = struct{}{}
			}
		}
	}
	for c := range x.byClass {
		x.classNames = append(x.classNames, c)
	}
	sort.Strings(x.classNames)
	return x
}

// Has reports whether name is a known definition.
func (x *Index) Has(name string) bool {
	_, ok := x.classes[name]
	return ok
}

// Classes returns the resolved categories of a known definition.
func (x *Index) Classes(name string) ([]string, bool) {
	c, ok := x.classes[name]
	return slices.Clone(c), ok
}

// ByClass returns a copy of the sorted definition names carrying class.
func (x *Index) ByClass(class string) []string {
	return slices.Clone(x.byClass[class])
}

// ClassSize is len(ByClass(class)) without the copy.
func (x *Index) ClassSize(class string) int { return len(x.byClass[class]) }

// ClassNames returns every category seen, sorted.
func (x *Index) ClassNames() []string {
	return slices.Clone(x.classNames)
}

func (x *Index) IsThruster(name string) bool {
	_, ok := x.thrusters[name]
	return ok
}

func (x *Index) IsGenerator(name string) bool {
	_, ok := x.generators[name]
	return ok
}

func (x *Index) Len() int { return len(x.classes) }
