package sym

import (
	"fmt"
	"sort"
)

// Severity of a lint diagnostic.
type Severity string

const (
	SeverityError Severity = "ERROR"
	SeverityWarn  Severity = "WARN"
	SeverityInfo  Severity = "INFO"
)

// Diagnostic is one lint finding against a loaded database.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Check    string   `json:"check"`
	Object   string   `json:"object"`
	Detail   string   `json:"detail"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%-5s %s %s: %s", d.Severity, d.Check, d.Object, d.Detail)
}

// Lint checks a database for definition problems: spans that overflow the
// message length, overlapping spans, duplicate identifiers, dangling enum
// references and inverted ranges. Decode skips out-of-span signals without
// reporting, so load time is where these surface.
func Lint(db *Database) []Diagnostic {
	if db == nil {
		return nil
	}
	var diags []Diagnostic
	add := func(sev Severity, check, object, format string, args ...interface{}) {
		diags = append(diags, Diagnostic{
			Severity: sev,
			Check:    check,
			Object:   object,
			Detail:   fmt.Sprintf(format, args...),
		})
	}

	seen := map[uint32]string{}
	for _, m := range db.Messages() {
		if first, dup := seen[m.ID]; dup {
			add(SeverityError, "duplicate-id", m.Name, "id 0x%X already used by %s", m.ID, first)
		} else {
			seen[m.ID] = m.Name
		}
		if len(m.Signals) == 0 {
			add(SeverityInfo, "no-signals", m.Name, "message defines no signals")
			continue
		}
		limit := m.Length * 8
		owner := make([]string, limit)
		for _, s := range m.Signals {
			obj := m.Name + "." + s.Name
			overflow := false
			collide := map[string]bool{}
			for _, pos := range s.BitPositions() {
				if pos < 0 || pos >= limit {
					overflow = true
					continue
				}
				if o := owner[pos]; o != "" && o != s.Name {
					collide[o] = true
				} else {
					owner[pos] = s.Name
				}
			}
			if overflow {
				add(SeverityError, "span-overflow", obj, "bits %d+%d exceed the %d-byte payload", s.StartBit, s.BitLen, m.Length)
			}
			others := make([]string, 0, len(collide))
			for other := range collide {
				others = append(others, other)
			}
			sort.Strings(others)
			for _, other := range others {
				add(SeverityWarn, "span-overlap", obj, "overlaps %s", other)
			}
			if s.Enum != "" {
				if _, ok := db.Enums[s.Enum]; !ok {
					add(SeverityError, "missing-enum", obj, "enum %s is not defined", s.Enum)
				}
			}
			if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
				add(SeverityWarn, "range-inverted", obj, "min %g above max %g", *s.Min, *s.Max)
			}
		}
	}
	return diags
}

// HasErrors reports whether any diagnostic is at ERROR severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}
