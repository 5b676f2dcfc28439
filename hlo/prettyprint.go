package hlo

import (
	"bytes"
	"fmt"
)

// String implements fmt.Stringer, and pretty prints the module, one
// instruction per line in topological order.
func (m *Module) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("HloModule %s\n", m.name)
	for _, comp := range m.computations {
		w("\n")
		if comp == m.entry {
			w("ENTRY ")
		}
		w("%s", comp.name)
		if comp.executionThread != MainExecutionThread {
			w(", execution_thread=%q", comp.executionThread)
		}
		w(" {\n")
		for _, inst := range comp.SortedInstructions() {
			marker := "  "
			if inst == comp.root {
				marker = "  ROOT "
			}
			w("%s%s\n", marker, inst)
		}
		w("}\n")
	}
	return buf.String()
}
