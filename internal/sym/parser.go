package sym

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"example.com/canscope/internal/can"
)

// Load parses a symbol file from disk. Malformed lines are reported as
// ParseErrors and skipped; the returned database carries everything that
// parsed cleanly. The error return is reserved for I/O failure.
func Load(path string) (*Database, []ParseError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	db, perrs, err := Parse(f, path)
	if err != nil {
		return nil, perrs, err
	}
	db.Path = path
	return db, perrs, nil
}

// Parse reads symbol text. The name is used in ParseError locations.
func Parse(r io.Reader, name string) (*Database, []ParseError, error) {
	p := &parser{
		file:    name,
		db:      newDatabase(),
		globals: map[string]SignalDef{},
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		p.line(n, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, p.errs, err
	}
	p.finish()
	return p.db, p.errs, nil
}

type section uint8

const (
	sectionNone section = iota
	sectionEnums
	sectionSignals
	sectionMessages
)

type parser struct {
	file    string
	db      *Database
	errs    []ParseError
	sect    section
	globals map[string]SignalDef

	cur      *MessageDef
	curLine  int
	curHasID bool
	curSkip  bool

	enumOpen bool
	enumLine int
	enumBuf  strings.Builder
}

func (p *parser) errorf(line int, format string, args ...interface{}) {
	p.errs = append(p.errs, ParseError{File: p.file, Line: line, Msg: fmt.Sprintf(format, args...)})
}

func (p *parser) line(n int, raw string) {
	text, comment := splitComment(raw)
	text = strings.TrimSpace(text)
	if p.enumOpen {
		p.enumBuf.WriteByte(' ')
		p.enumBuf.WriteString(text)
		if strings.Contains(text, ")") {
			p.endEnum()
		}
		return
	}
	if text == "" {
		return
	}
	switch {
	case strings.HasPrefix(text, "FormatVersion="):
		p.db.FormatVersion = strings.TrimSpace(strings.TrimPrefix(text, "FormatVersion="))
	case strings.HasPrefix(text, "Title="):
		p.db.Title = strings.Trim(strings.TrimSpace(strings.TrimPrefix(text, "Title=")), `"`)
	case text == "{ENUMS}":
		p.commit()
		p.sect = sectionEnums
	case text == "{SIGNALS}":
		p.commit()
		p.sect = sectionSignals
	case text == "{SENDRECEIVE}" || text == "{SEND}" || text == "{RECEIVE}":
		p.commit()
		p.sect = sectionMessages
	case strings.HasPrefix(text, "{"):
		p.commit()
		p.errorf(n, "unknown section %s", text)
		p.sect = sectionNone
	case strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]"):
		p.startMessage(n, strings.TrimSpace(text[1:len(text)-1]), comment)
	default:
		switch p.sect {
		case sectionEnums:
			p.enumStart(n, text)
		case sectionSignals:
			p.globalSignal(n, text, comment)
		case sectionMessages:
			p.messageLine(n, text, comment)
		default:
			p.errorf(n, "unrecognized line %q", text)
		}
	}
}

func (p *parser) finish() {
	if p.enumOpen {
		p.errorf(p.enumLine, "unterminated enum")
		p.enumOpen = false
	}
	p.commit()
}

func (p *parser) startMessage(n int, name, comment string) {
	p.commit()
	if p.sect != sectionMessages {
		p.errorf(n, "message block [%s] outside a send/receive section", name)
		p.sect = sectionMessages
	}
	p.cur = &MessageDef{Name: name, Length: 8, Comment: comment}
	p.curLine = n
	p.curHasID = false
	p.curSkip = false
	if name == "" {
		p.errorf(n, "empty message name")
		p.curSkip = true
		return
	}
	if _, dup := p.db.byName[name]; dup {
		p.errorf(n, "duplicate message %s", name)
		p.curSkip = true
	}
}

func (p *parser) commit() {
	if p.cur == nil {
		return
	}
	m := p.cur
	line := p.curLine
	hasID := p.curHasID
	skip := p.curSkip
	p.cur = nil
	if skip {
		return
	}
	if !hasID {
		p.errorf(line, "message %s missing ID", m.Name)
		return
	}
	m.Extended = extendedID(m.ID)
	if !p.db.add(m) {
		p.errorf(line, "duplicate id 0x%X (message %s)", m.ID, m.Name)
	}
}

func (p *parser) messageLine(n int, text, comment string) {
	if p.cur == nil {
		p.errorf(n, "statement outside a message block: %q", text)
		return
	}
	switch {
	case strings.HasPrefix(text, "ID="):
		v := strings.TrimSpace(strings.TrimPrefix(text, "ID="))
		v = strings.TrimSuffix(strings.TrimSuffix(v, "h"), "H")
		id, err := strconv.ParseUint(v, 16, 32)
		if err != nil || id > can.MaxExtendedID {
			p.errorf(n, "bad message id %q", v)
			p.curSkip = true
			return
		}
		p.cur.ID = uint32(id)
		p.curHasID = true
	case strings.HasPrefix(text, "Len="):
		v := strings.TrimSpace(strings.TrimPrefix(text, "Len="))
		length, err := strconv.Atoi(v)
		if err != nil || length < 0 || length > 8 {
			p.errorf(n, "bad message length %q", v)
			return
		}
		p.cur.Length = length
	case strings.HasPrefix(text, "CycleTime="):
		v := strings.TrimSpace(strings.TrimPrefix(text, "CycleTime="))
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			p.errorf(n, "bad cycle time %q", v)
			return
		}
		p.cur.CycleTime = time.Duration(ms) * time.Millisecond
	case strings.HasPrefix(text, "Var="):
		def, problems, err := parseVarLine(text, comment)
		for _, msg := range problems {
			p.errorf(n, "%s: %s", def.Name, msg)
		}
		if err != nil {
			p.errorf(n, "bad variable: %v", err)
			return
		}
		p.cur.Signals = append(p.cur.Signals, def)
	case strings.HasPrefix(text, "Sig="):
		p.assignSignal(n, text)
	default:
		p.errorf(n, "unrecognized statement %q", text)
	}
}

// parseVarLine parses "Var=Name type start,len [attrs...]". Attribute
// problems are reported but do not reject the variable.
func parseVarLine(text, comment string) (SignalDef, []string, error) {
	fields := strings.Fields(strings.TrimPrefix(text, "Var="))
	if len(fields) < 3 {
		return SignalDef{}, nil, fmt.Errorf("want Var=name type start,len")
	}
	def := SignalDef{Name: fields[0], Factor: 1, Comment: comment}
	typ, err := ParseSignalType(fields[1])
	if err != nil {
		return def, nil, err
	}
	def.Type = typ
	startStr, lenStr, ok := strings.Cut(fields[2], ",")
	if !ok {
		return def, nil, fmt.Errorf("bad position %q", fields[2])
	}
	def.StartBit, err = strconv.Atoi(startStr)
	if err != nil || def.StartBit < 0 {
		return def, nil, fmt.Errorf("bad start bit %q", startStr)
	}
	def.BitLen, err = strconv.Atoi(lenStr)
	if err != nil || def.BitLen < 1 || def.BitLen > 64 {
		return def, nil, fmt.Errorf("bad bit length %q", lenStr)
	}
	problems := applyAttrs(&def, fields[3:])
	return def, problems, nil
}

func applyAttrs(def *SignalDef, attrs []string) []string {
	var problems []string
	bad := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	num := func(attr, v string) (float64, bool) {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			bad("bad %s value %q", attr, v)
			return 0, false
		}
		return f, true
	}
	for _, a := range attrs {
		switch {
		case a == "-h":
			def.Hex = true
		case a == "-m":
			def.Order = Motorola
		case strings.HasPrefix(a, "/u:"):
			def.Unit = a[len("/u:"):]
		case strings.HasPrefix(a, "/f:"):
			if f, ok := num("factor", a[len("/f:"):]); ok {
				def.Factor = f
			}
		case strings.HasPrefix(a, "/o:"):
			if f, ok := num("offset", a[len("/o:"):]); ok {
				def.Offset = f
			}
		case strings.HasPrefix(a, "/min:"):
			if f, ok := num("min", a[len("/min:"):]); ok {
				def.Min = float64Ptr(f)
			}
		case strings.HasPrefix(a, "/max:"):
			if f, ok := num("max", a[len("/max:"):]); ok {
				def.Max = float64Ptr(f)
			}
		case strings.HasPrefix(a, "/d:"):
			if f, ok := num("default", a[len("/d:"):]); ok {
				def.Default = float64Ptr(f)
			}
		case strings.HasPrefix(a, "/p:"):
			p, err := strconv.Atoi(a[len("/p:"):])
			if err != nil || p < 0 {
				bad("bad precision %q", a)
				continue
			}
			def.Precision = p
		case strings.HasPrefix(a, "/e:"):
			def.Enum = a[len("/e:"):]
		default:
			bad("unknown attribute %q", a)
		}
	}
	return problems
}

// globalSignal parses "Sig=Name type bitlen [attrs...]" inside {SIGNALS}.
// The start bit is supplied later by a Sig= assignment in a message block.
func (p *parser) globalSignal(n int, text, comment string) {
	if !strings.HasPrefix(text, "Sig=") {
		p.errorf(n, "unrecognized signal line %q", text)
		return
	}
	fields := strings.Fields(strings.TrimPrefix(text, "Sig="))
	if len(fields) < 3 {
		p.errorf(n, "want Sig=name type bitlen")
		return
	}
	def := SignalDef{Name: fields[0], Factor: 1, Comment: comment}
	typ, err := ParseSignalType(fields[1])
	if err != nil {
		p.errorf(n, "signal %s: %v", def.Name, err)
		return
	}
	def.Type = typ
	def.BitLen, err = strconv.Atoi(fields[2])
	if err != nil || def.BitLen < 1 || def.BitLen > 64 {
		p.errorf(n, "signal %s: bad bit length %q", def.Name, fields[2])
		return
	}
	for _, msg := range applyAttrs(&def, fields[3:]) {
		p.errorf(n, "signal %s: %s", def.Name, msg)
	}
	if _, dup := p.globals[def.Name]; dup {
		p.errorf(n, "duplicate signal %s", def.Name)
		return
	}
	p.globals[def.Name] = def
}

// assignSignal parses "Sig=Name startbit" inside a message block, binding a
// global signal at a bit position.
func (p *parser) assignSignal(n int, text string) {
	fields := strings.Fields(strings.TrimPrefix(text, "Sig="))
	if len(fields) < 2 {
		p.errorf(n, "want Sig=name startbit")
		return
	}
	start, err := strconv.Atoi(fields[1])
	if err != nil || start < 0 {
		p.errorf(n, "bad start bit %q for signal %s", fields[1], fields[0])
		return
	}
	def, ok := p.globals[fields[0]]
	if !ok {
		p.errorf(n, "signal %s not defined", fields[0])
		return
	}
	def.StartBit = start
	p.cur.Signals = append(p.cur.Signals, def)
}

func (p *parser) enumStart(n int, text string) {
	if !strings.HasPrefix(text, "Enum=") {
		p.errorf(n, "unrecognized enum line %q", text)
		return
	}
	p.enumBuf.Reset()
	p.enumBuf.WriteString(text)
	p.enumLine = n
	if strings.Contains(text, ")") {
		p.endEnum()
		return
	}
	p.enumOpen = true
}

func (p *parser) endEnum() {
	p.enumOpen = false
	rest := strings.TrimPrefix(strings.TrimSpace(p.enumBuf.String()), "Enum=")
	name, body, ok := strings.Cut(rest, "(")
	if !ok {
		p.errorf(p.enumLine, "malformed enum %q", rest)
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		p.errorf(p.enumLine, "empty enum name")
		return
	}
	if end := strings.LastIndex(body, ")"); end >= 0 {
		body = body[:end]
	}
	labels, problems := parseEnumBody(body)
	for _, msg := range problems {
		p.errorf(p.enumLine, "enum %s: %s", name, msg)
	}
	if _, dup := p.db.Enums[name]; dup {
		p.errorf(p.enumLine, "duplicate enum %s", name)
		return
	}
	p.db.Enums[name] = Enum{Name: name, Labels: labels}
}

// parseEnumBody parses `0="Off", 1="On"` value lists. Labels may contain
// commas, so splitting respects quotes.
func parseEnumBody(body string) (map[int64]string, []string) {
	labels := map[int64]string{}
	var problems []string
	for _, part := range splitQuoted(body, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		valStr, labelStr, ok := strings.Cut(part, "=")
		if !ok {
			problems = append(problems, fmt.Sprintf("bad entry %q", part))
			continue
		}
		val, err := strconv.ParseInt(strings.TrimSpace(valStr), 10, 64)
		if err != nil {
			problems = append(problems, fmt.Sprintf("bad value %q", valStr))
			continue
		}
		labelStr = strings.TrimSpace(labelStr)
		if len(labelStr) < 2 || labelStr[0] != '"' || labelStr[len(labelStr)-1] != '"' {
			problems = append(problems, fmt.Sprintf("label for %d not quoted", val))
			continue
		}
		labels[val] = labelStr[1 : len(labelStr)-1]
	}
	return labels, problems
}

// splitComment cuts a trailing // comment, ignoring slashes inside quoted
// strings and inside attributes like /u:km/h.
func splitComment(s string) (text, comment string) {
	inQuote := false
	for i := 0; i+1 < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case '/':
			if !inQuote && s[i+1] == '/' {
				return s[:i], strings.TrimSpace(s[i+2:])
			}
		}
	}
	return s, ""
}

// splitQuoted splits on sep outside double quotes.
func splitQuoted(s string, sep byte) []string {
	var parts []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}
