// Package perfscript converts `perf script` output into pprof profiles.
package perfscript

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/pprof/profile"
)

const pageSize = 4096

// Parser builds a pprof profile from perf script output. A Parser is
// single use.
type Parser struct {
	profile   *profile.Profile
	functions map[string]*profile.Function
	locations map[string]*profile.Location
	mappings  map[string]*profile.Mapping
	// observed address range per mapping file
	ranges map[string]*addressRange
}

type addressRange struct {
	min uint64
	max uint64
}

// sampleHeader is the first line of a sample:
// "comm PID time: count event:".
type sampleHeader struct {
	event string
	count int64
}

// New creates a new parser instance.
func New() *Parser {
	return &Parser{
		functions: make(map[string]*profile.Function),
		locations: make(map[string]*profile.Location),
		mappings:  make(map[string]*profile.Mapping),
		ranges:    make(map[string]*addressRange),
	}
}

// Parse reads perf script output and returns the resulting profile.
func (p *Parser) Parse(reader io.Reader) (*profile.Profile, error) {
	p.profile = &profile.Profile{
		SampleType: []*profile.ValueType{},
		TimeNanos:  time.Now().UnixNano(),
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     1,
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var header sampleHeader
	var stack []*profile.Location

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		if isFrame(line) {
			if loc := p.parseStackFrame(line); loc != nil {
				stack = append(stack, loc)
			}
			continue
		}

		if !strings.Contains(line, ":") {
			continue
		}

		p.addSample(stack, header)
		stack = nil

		h, err := parseHeader(line)
		if err != nil {
			return nil, err
		}
		header = h
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading input: %w", err)
	}
	p.addSample(stack, header)

	p.finalizeMappings()
	return p.profile, nil
}

func isFrame(line string) bool {
	return strings.HasPrefix(line, "\t") || strings.HasPrefix(line, "    ")
}

// parseHeader extracts the event name and count from a sample header. The
// event is the last field, the count the one before it.
func parseHeader(line string) (sampleHeader, error) {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return sampleHeader{}, fmt.Errorf("invalid event line: %s", line)
	}

	count, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return sampleHeader{}, fmt.Errorf("invalid count in event line: %s", line)
	}

	return sampleHeader{
		event: strings.TrimSuffix(parts[len(parts)-1], ":"),
		count: count,
	}, nil
}

// parseStackFrame parses "addr symbol+0xoff (binary)" into a location.
func (p *Parser) parseStackFrame(line string) *profile.Location {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return nil
	}

	// Unparseable addresses (e.g. "[unknown]") are kept as 0.
	addr, _ := strconv.ParseUint(parts[0], 16, 64)

	funcName := parts[1]
	if idx := strings.LastIndex(funcName, "+"); idx > 0 {
		funcName = funcName[:idx]
	}

	var binary string
	for _, part := range parts[2:] {
		if strings.HasPrefix(part, "(") && strings.HasSuffix(part, ")") {
			binary = strings.TrimSuffix(strings.TrimPrefix(part, "("), ")")
			break
		}
	}

	var mapping *profile.Mapping
	if binary != "" {
		mapping = p.mapping(binary)
		p.trackAddress(binary, addr)
	}

	key := fmt.Sprintf("%s:%d", funcName, addr)
	if loc, ok := p.locations[key]; ok {
		return loc
	}

	loc := &profile.Location{
		ID:      uint64(len(p.profile.Location) + 1),
		Mapping: mapping,
		Address: addr,
		Line:    []profile.Line{{Function: p.function(funcName)}},
	}
	p.locations[key] = loc
	p.profile.Location = append(p.profile.Location, loc)
	return loc
}

func (p *Parser) function(name string) *profile.Function {
	if fn, ok := p.functions[name]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:   uint64(len(p.profile.Function) + 1),
		Name: name,
	}
	p.functions[name] = fn
	p.profile.Function = append(p.profile.Function, fn)
	return fn
}

// mapping returns the mapping of a binary. The full path is kept so pprof
// can find the binary for symbolization.
func (p *Parser) mapping(file string) *profile.Mapping {
	if m, ok := p.mappings[file]; ok {
		return m
	}
	m := &profile.Mapping{
		ID:   uint64(len(p.profile.Mapping) + 1),
		File: file,
	}
	p.mappings[file] = m
	p.profile.Mapping = append(p.profile.Mapping, m)
	return m
}

func (p *Parser) trackAddress(file string, addr uint64) {
	if addr == 0 {
		return
	}
	r, ok := p.ranges[file]
	if !ok {
		p.ranges[file] = &addressRange{min: addr, max: addr}
		return
	}
	r.min = min(r.min, addr)
	r.max = max(r.max, addr)
}

// finalizeMappings sets Start and Limit of every mapping to the page
// aligned range of addresses seen in it.
func (p *Parser) finalizeMappings() {
	for file, m := range p.mappings {
		r, ok := p.ranges[file]
		if !ok {
			m.Start = 0
			m.Limit = ^uint64(0)
			continue
		}
		m.Start = (r.min / pageSize) * pageSize
		m.Limit = ((r.max + pageSize) / pageSize) * pageSize
	}
}

// addSample records stack under the header's event, merging identical stacks.
func (p *Parser) addSample(stack []*profile.Location, h sampleHeader) {
	if len(stack) == 0 || h.count == 0 {
		return
	}

	idx := -1
	for i, st := range p.profile.SampleType {
		if st.Type == h.event {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.profile.SampleType = append(p.profile.SampleType, &profile.ValueType{Type: h.event, Unit: "count"})
		idx = len(p.profile.SampleType) - 1
		for _, s := range p.profile.Sample {
			s.Value = append(s.Value, 0)
		}
	}

	for _, s := range p.profile.Sample {
		if stacksEqual(s.Location, stack) {
			s.Value[idx] += h.count
			return
		}
	}

	s := &profile.Sample{
		Location: stack,
		Value:    make([]int64, len(p.profile.SampleType)),
	}
	s.Value[idx] = h.count
	p.profile.Sample = append(p.profile.Sample, s)
}

func stacksEqual(a, b []*profile.Location) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
