// Package trace parses and replays line-oriented allocator traces against a
// Heap, giving allocator usage scenarios a concrete, automatable form. It is
// a collaborator of the allocator core, not part of it: nothing in
// internal/alloc imports this package.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/selenia-project/segalloc/internal/alloc"
)

// Op names a trace line's operation.
type Op byte

const (
	// OpAllocate requests bytes and remembers the result under an id.
	OpAllocate Op = 'a'
	// OpFree frees the address remembered under an id.
	OpFree Op = 'f'
	// OpReallocate resizes the address remembered under an id.
	OpReallocate Op = 'r'
	// OpCalloc requests n*size zeroed bytes and remembers the result.
	OpCalloc Op = 'c'
)

// Line is one parsed trace instruction.
type Line struct {
	Op   Op
	ID   string
	N    uintptr // element count, for c
	Size uintptr
}

// Parse reads every non-blank, non-comment line from r as a Line.
func Parse(r io.Reader) ([]Line, error) {
	var lines []Line

	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		line, err := parseLine(text)
		if err != nil {
			return nil, fmt.Errorf("trace:%d: %w", lineNo, err)
		}

		lines = append(lines, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("trace: read: %w", err)
	}

	return lines, nil
}

func parseLine(text string) (Line, error) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return Line{}, fmt.Errorf("malformed trace line %q", text)
	}

	switch fields[0] {
	case "a":
		if len(fields) != 3 {
			return Line{}, fmt.Errorf("malformed allocate line %q", text)
		}

		size, err := parseUint(fields[2])
		if err != nil {
			return Line{}, err
		}

		return Line{Op: OpAllocate, ID: fields[1], Size: size}, nil

	case "f":
		if len(fields) != 2 {
			return Line{}, fmt.Errorf("malformed free line %q", text)
		}

		return Line{Op: OpFree, ID: fields[1]}, nil

	case "r":
		if len(fields) != 3 {
			return Line{}, fmt.Errorf("malformed reallocate line %q", text)
		}

		size, err := parseUint(fields[2])
		if err != nil {
			return Line{}, err
		}

		return Line{Op: OpReallocate, ID: fields[1], Size: size}, nil

	case "c":
		if len(fields) != 4 {
			return Line{}, fmt.Errorf("malformed calloc line %q", text)
		}

		n, err := parseUint(fields[2])
		if err != nil {
			return Line{}, err
		}

		size, err := parseUint(fields[3])
		if err != nil {
			return Line{}, err
		}

		return Line{Op: OpCalloc, ID: fields[1], N: n, Size: size}, nil

	default:
		return Line{}, fmt.Errorf("unknown trace operation %q", fields[0])
	}
}

func parseUint(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric field %q: %w", s, err)
	}

	return uintptr(v), nil
}

// Report summarizes one trace replay.
type Report struct {
	Operations      int
	BytesAllocated  uintptr
	BytesFreed      uintptr
	FailedRequests  int
	FinalCheckError error
}

// Replay executes every line in order against h, tracking each line's
// remembered address by id. A request that fails (returns alloc.NoAddress)
// is counted in FailedRequests rather than treated as a parse or protocol
// error, since the spec's no-address return is a normal outcome the harness
// must be able to observe. After the trace completes, the heap's invariants
// are checked once more regardless of the heap's own CheckOnEveryCall
// setting, and the result is recorded in Report.FinalCheckError.
func Replay(r io.Reader, h *alloc.Heap) (Report, error) {
	lines, err := Parse(r)
	if err != nil {
		return Report{}, err
	}

	live := make(map[string]uintptr)
	sizes := make(map[string]uintptr) // requested bytes behind each live id

	var rep Report

	for i, ln := range lines {
		rep.Operations++

		switch ln.Op {
		case OpAllocate:
			addr := h.Allocate(ln.Size)
			if addr == alloc.NoAddress {
				rep.FailedRequests++
				continue
			}

			live[ln.ID] = addr
			sizes[ln.ID] = ln.Size
			rep.BytesAllocated += ln.Size

		case OpFree:
			addr, ok := live[ln.ID]
			if !ok {
				return rep, fmt.Errorf("trace line %d: free of unknown id %q", i+1, ln.ID)
			}

			h.Free(addr)
			delete(live, ln.ID)
			rep.BytesFreed += sizes[ln.ID]
			delete(sizes, ln.ID)

		case OpReallocate:
			addr := live[ln.ID] // NoAddress (0) is a valid "not yet allocated" starting point

			newAddr := h.Reallocate(addr, ln.Size)
			if newAddr == alloc.NoAddress && ln.Size != 0 {
				rep.FailedRequests++
				delete(live, ln.ID)
				continue
			}

			if ln.Size == 0 {
				delete(live, ln.ID)
				continue
			}

			live[ln.ID] = newAddr
			sizes[ln.ID] = ln.Size
			rep.BytesAllocated += ln.Size

		case OpCalloc:
			addr := h.Calloc(ln.N, ln.Size)
			if addr == alloc.NoAddress {
				rep.FailedRequests++
				continue
			}

			live[ln.ID] = addr
			sizes[ln.ID] = ln.N * ln.Size
			rep.BytesAllocated += ln.N * ln.Size
		}
	}

	rep.FinalCheckError = h.Check()

	return rep, nil
}
