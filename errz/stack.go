package errz

import (
	"bytes"
	"fmt"
	"strings"
)

// FormatStackTrace renders the captured call stack, innermost frame
// first. Used by callers that display faults; the VM never calls this.
func FormatStackTrace(stack []StackFrame) string {
	if len(stack) == 0 {
		return ""
	}
	var buf bytes.Buffer
	buf.WriteString("call stack:\n")
	for _, frame := range stack {
		name := frame.Function
		if name == "" {
			name = "<entry>"
		}
		buf.WriteString(fmt.Sprintf("  at %s (offset %d)\n", name, frame.Offset))
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// FriendlyMessage returns a human-readable rendering of the fault,
// including slot identity and call stack when present.
func (f *Fault) FriendlyMessage() string {
	var buf bytes.Buffer
	buf.WriteString(f.Error())
	if trace := FormatStackTrace(f.Stack); trace != "" {
		buf.WriteString("\n")
		buf.WriteString(trace)
	}
	return buf.String()
}
