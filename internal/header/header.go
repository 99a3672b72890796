// Package header keeps message headers in insertion order and renders them
// to wire form.
package header

import "strings"

type field struct {
	name  string
	value string
}

// Map is an ordered header map. Names are matched exactly; setting an
// existing name replaces its value in place.
type Map struct {
	fields []field
}

// Set stores value under name with any line breaks removed.
func (m *Map) Set(name, value string) {
	value = strings.NewReplacer("\r", "", "\n", "").Replace(value)
	for i := range m.fields {
		if m.fields[i].name == name {
			m.fields[i].value = value
			return
		}
	}
	m.fields = append(m.fields, field{name: name, value: value})
}

// Get returns the value stored under name, or "".
func (m *Map) Get(name string) string {
	for _, f := range m.fields {
		if f.name == name {
			return f.value
		}
	}
	return ""
}

// Has reports whether name is present.
func (m *Map) Has(name string) bool {
	for _, f := range m.fields {
		if f.name == name {
			return true
		}
	}
	return false
}

// Del removes name.
func (m *Map) Del(name string) {
	for i, f := range m.fields {
		if f.name == name {
			m.fields = append(m.fields[:i], m.fields[i+1:]...)
			return
		}
	}
}

// Names returns the header names in order.
func (m *Map) Names() []string {
	names := make([]string, len(m.fields))
	for i, f := range m.fields {
		names[i] = f.name
	}
	return names
}

// Reset removes every header.
func (m *Map) Reset() {
	m.fields = nil
}

// Render returns "Name: Value" lines for every non-empty header, each
// followed by newline. Headers listed in omit are skipped.
func (m *Map) Render(newline string, omit ...string) string {
	var b strings.Builder
next:
	for _, f := range m.fields {
		if f.value == "" {
			continue
		}
		for _, o := range omit {
			if f.name == o {
				continue next
			}
		}
		b.WriteString(f.name)
		b.WriteString(": ")
		b.WriteString(f.value)
		b.WriteString(newline)
	}
	return b.String()
}
