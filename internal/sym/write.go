package sym

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"example.com/canscope/internal/common"
)

// Write renders the database as symbol text. The output parses back to an
// equivalent database; signals bound from a {SIGNALS} section come out as
// message-local Var= lines.
func (db *Database) Write(w io.Writer) error {
	var b strings.Builder
	version := db.FormatVersion
	if version == "" {
		version = "6.0"
	}
	fmt.Fprintf(&b, "FormatVersion=%s\n", version)
	if db.Title != "" {
		fmt.Fprintf(&b, "Title=%q\n", db.Title)
	}
	if len(db.Enums) > 0 {
		b.WriteString("\n{ENUMS}\n")
		names := make([]string, 0, len(db.Enums))
		for name := range db.Enums {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			writeEnum(&b, db.Enums[name])
		}
	}
	b.WriteString("\n{SENDRECEIVE}\n")
	for _, m := range db.order {
		fmt.Fprintf(&b, "\n[%s]\n", m.Name)
		fmt.Fprintf(&b, "ID=%Xh\n", m.ID)
		fmt.Fprintf(&b, "Len=%d\n", m.Length)
		if m.CycleTime > 0 {
			fmt.Fprintf(&b, "CycleTime=%d\n", m.CycleTime.Milliseconds())
		}
		for _, s := range m.Signals {
			writeVar(&b, s)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteFile renders the database to a file, replacing it atomically via a
// temp file and rename.
func (db *Database) WriteFile(path string) error {
	var b strings.Builder
	if err := db.Write(&b); err != nil {
		return err
	}
	return common.WriteFileAtomic(path, []byte(b.String()), 0o644)
}


func writeEnum(b *strings.Builder, e Enum) {
	values := make([]int64, 0, len(e.Labels))
	for v := range e.Labels {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	fmt.Fprintf(b, "Enum=%s(", e.Name)
	for i, v := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "%d=%q", v, e.Labels[v])
	}
	b.WriteString(")\n")
}

func writeVar(b *strings.Builder, s SignalDef) {
	fmt.Fprintf(b, "Var=%s %s %d,%d", s.Name, s.Type, s.StartBit, s.BitLen)
	if s.Unit != "" {
		fmt.Fprintf(b, " /u:%s", s.Unit)
	}
	if s.Factor != 1 {
		fmt.Fprintf(b, " /f:%s", fnum(s.Factor))
	}
	if s.Offset != 0 {
		fmt.Fprintf(b, " /o:%s", fnum(s.Offset))
	}
	if s.Min != nil {
		fmt.Fprintf(b, " /min:%s", fnum(*s.Min))
	}
	if s.Max != nil {
		fmt.Fprintf(b, " /max:%s", fnum(*s.Max))
	}
	if s.Default != nil {
		fmt.Fprintf(b, " /d:%s", fnum(*s.Default))
	}
	if s.Precision > 0 {
		fmt.Fprintf(b, " /p:%d", s.Precision)
	}
	if s.Enum != "" {
		fmt.Fprintf(b, " /e:%s", s.Enum)
	}
	if s.Hex {
		b.WriteString(" -h")
	}
	if s.Order == Motorola {
		b.WriteString(" -m")
	}
	if s.Comment != "" {
		fmt.Fprintf(b, " // %s", s.Comment)
	}
	b.WriteByte('\n')
}

func fnum(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
