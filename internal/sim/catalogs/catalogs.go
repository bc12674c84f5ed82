package catalogs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"autolevel.ai/internal/ecf"
)

var ErrDuplicateBlock = errors.New("duplicate block name")

// BlockCatalog is the read-only definition store. Cross links between
// definitions are names; resolve them through Def.
type BlockCatalog struct {
	Names  []string // sorted
	Defs   map[string]BlockDef
	Digest string
}

type BlockDef struct {
	ID           int
	Name         string
	Class        string
	Reference    string
	Parents      []string
	Children     []string
	TemplateRoot string
	Fields       map[string]string
}

// Load reads the block definitions from an ECF file.
func Load(path string) (*BlockCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	objs, err := ecf.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	cat, err := FromObjects(objs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	cat.Digest = sha256Hex(raw)
	return cat, nil
}

// FromObjects builds a catalog from parsed ECF objects. Objects that are not
// blocks are skipped.
func FromObjects(objs []*ecf.Object) (*BlockCatalog, error) {
	c := &BlockCatalog{Defs: map[string]BlockDef{}}
	for _, o := range objs {
		if !strings.EqualFold(o.Kind, "Block") {
			continue
		}
		d, err := blockFromObject(o)
		if err != nil {
			return nil, err
		}
		if _, dup := c.Defs[d.Name]; dup {
			return nil, fmt.Errorf("line %d: %w: %s", o.Line, ErrDuplicateBlock, d.Name)
		}
		c.Defs[d.Name] = d
	}
	c.index()
	return c, nil
}

// New builds a catalog directly from definitions.
func New(defs []BlockDef) (*BlockCatalog, error) {
	c := &BlockCatalog{Defs: make(map[string]BlockDef, len(defs))}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("block without name")
		}
		if _, dup := c.Defs[d.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBlock, d.Name)
		}
		c.Defs[d.Name] = d
	}
	c.index()
	return c, nil
}

func (c *BlockCatalog) index() {
	c.Names = make([]string, 0, len(c.Defs))
	for name := range c.Defs {
		c.Names = append(c.Names, name)
	}
	sort.Strings(c.Names)
	if c.Digest == "" {
		c.Digest = sha256Hex([]byte(strings.Join(c.Names, "\n")))
	}
}

func (c *BlockCatalog) Def(name string) (BlockDef, bool) {
	if c == nil {
		return BlockDef{}, false
	}
	d, ok := c.Defs[name]
	return d, ok
}

func (c *BlockCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Defs)
}

func blockFromObject(o *ecf.Object) (BlockDef, error) {
	name, _ := o.Attr("Name")
	name = strings.TrimSpace(name)
	if name == "" {
		return BlockDef{}, fmt.Errorf("line %d: block without Name", o.Line)
	}
	d := BlockDef{Name: name, Fields: map[string]string{}}
	if v, ok := o.Attr("Id"); ok {
		id, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return BlockDef{}, fmt.Errorf("line %d: block %s: bad Id %q", o.Line, name, v)
		}
		d.ID = id
	}
	if v, ok := o.Attr("Ref"); ok {
		d.Reference = strings.TrimSpace(v)
	}
	for _, p := range o.Props {
		d.Fields[p.Key] = p.Value
		switch strings.ToLower(p.Key) {
		case "class":
			d.Class = strings.TrimSpace(p.Value)
		case "parentblocks":
			d.Parents = ecf.SplitList(p.Value)
		case "childblocks":
			d.Children = ecf.SplitList(p.Value)
		case "templateroot":
			d.TemplateRoot = strings.TrimSpace(p.Value)
		}
	}
	return d, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
