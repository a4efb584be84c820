package linker

import "github.com/ksco/weld/pkg/object"

// SymbolTable interns one Symbol per global name. It is written only by the
// serial merge phase, in canonical input order, which is what makes the
// resolution of every name independent of parse timing.
type SymbolTable struct {
	syms  map[string]*Symbol
	order []*Symbol
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{syms: make(map[string]*Symbol)}
}

func (t *SymbolTable) Lookup(name string) *Symbol {
	return t.syms[name]
}

// GetSymbolByName returns the symbol for name, creating it if needed.
func (t *SymbolTable) GetSymbolByName(name string) *Symbol {
	if sym, ok := t.syms[name]; ok {
		return sym
	}
	sym := NewSymbol(name)
	t.syms[name] = sym
	t.order = append(t.order, sym)
	return sym
}

// Symbols returns every global in first-mention order.
func (t *SymbolTable) Symbols() []*Symbol {
	return t.order
}

// Ranks of a definition; lower wins. Ties keep the earlier object, except
// that the larger of two commons wins.
const (
	rankStrong = iota + 1
	rankCommon
	rankWeak
)

func getRank(esym *object.Symbol) int {
	switch {
	case esym.IsCommon():
		return rankCommon
	case esym.Binding == object.BindWeak:
		return rankWeak
	}
	return rankStrong
}

// Merge adds the globals of one object. Undefined references only record
// that the name is needed; definitions compete by rank.
func (t *SymbolTable) Merge(file *ObjectFile) error {
	for i := range file.Obj.Symbols {
		esym := &file.Obj.Symbols[i]
		if esym.IsLocal() {
			continue
		}

		sym := t.GetSymbolByName(esym.Name)
		file.Symbols[i] = sym

		if esym.IsUndef() {
			if esym.Binding == object.BindWeak {
				sym.WeakRef = true
			} else if !sym.Referenced {
				sym.Referenced = true
				sym.RefFile = file
			}
			continue
		}

		if err := t.resolve(sym, file, i); err != nil {
			return err
		}
	}
	return nil
}

func (t *SymbolTable) resolve(sym *Symbol, file *ObjectFile, idx int) error {
	esym := &file.Obj.Symbols[idx]
	if !sym.IsDefined() {
		define(sym, file, idx)
		return nil
	}

	cur, next := getRank(sym.ObjSym()), getRank(esym)
	switch {
	case cur == rankStrong && next == rankStrong:
		return &MergeError{
			Kind:   DuplicateSymbol,
			Symbol: sym.Name,
			Files:  []string{sym.File.Name, file.Name},
		}
	case cur == rankCommon && next == rankCommon:
		align := max(sym.Align, esym.Value)
		if esym.Size > sym.Size {
			define(sym, file, idx)
		}
		sym.Align = align
	case next < cur:
		define(sym, file, idx)
	}
	return nil
}

func define(sym *Symbol, file *ObjectFile, idx int) {
	esym := &file.Obj.Symbols[idx]
	sym.File = file
	sym.SymIdx = idx
	sym.Binding = esym.Binding
	sym.Type = esym.Type
	sym.Visibility = esym.Visibility
	sym.Size = esym.Size
	sym.Align = 0
	sym.InputSection = nil
	sym.SectionFragment = nil
	sym.Value = esym.Value

	switch {
	case esym.IsCommon():
		sym.Align = esym.Value
		sym.Value = 0
	case esym.IsAbs():
	default:
		sym.SetInputSection(file.Sections[esym.Section])
	}
}
