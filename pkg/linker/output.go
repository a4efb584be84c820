package linker

import "strings"

var prefixes = []string{
	".text.", ".data.rel.ro.", ".data.", ".rodata.", ".bss.rel.ro.", ".bss.",
	".init_array.", ".fini_array.", ".gcc_except_table.",
	".ctors.", ".dtors.",
}

// GetOutputName folds per-function and per-variable sections such as
// .text.main into their canonical output section.
func GetOutputName(name string) string {
	for _, prefix := range prefixes {
		stem := prefix[:len(prefix)-1]
		if name == stem || strings.HasPrefix(name, prefix) {
			return stem
		}
	}

	return name
}
