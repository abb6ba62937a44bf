package bulk

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"github.com/poiesic/embedpipe/core"
)

// maxLineSize bounds a single JSON line.
const maxLineSize = 4 * 1024 * 1024

// Line is one parsed input line. Err is set when the line is not a valid
// document request; Request is nil in that case.
type Line struct {
	Number  int
	Request *core.DocumentRequest
	Err     error
}

// Lines returns an iterator over the non-blank lines of r. The final
// iteration carries a read error, if any, with a zero line number.
func Lines(r io.Reader) iter.Seq[Line] {
	return func(yield func(Line) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		number := 0
		for scanner.Scan() {
			number++
			raw := bytes.TrimSpace(scanner.Bytes())
			if len(raw) == 0 {
				continue
			}
			if !yield(parseLine(number, raw)) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Line{Err: fmt.Errorf("read input: %w", err)})
		}
	}
}

func parseLine(number int, raw []byte) Line {
	var req core.DocumentRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return Line{Number: number, Err: fmt.Errorf("%w: line %d: %w", core.ErrValidation, number, err)}
	}
	if err := core.ValidateDocumentRequest(&req); err != nil {
		return Line{Number: number, Err: fmt.Errorf("line %d: %w", number, err)}
	}
	return Line{Number: number, Request: &req}
}

// Batched groups lines into slices of at most size.
func Batched(lines iter.Seq[Line], size int) iter.Seq[[]Line] {
	if size < 1 {
		size = 1
	}
	return func(yield func([]Line) bool) {
		batch := make([]Line, 0, size)
		for line := range lines {
			batch = append(batch, line)
			if len(batch) == size {
				if !yield(batch) {
					return
				}
				batch = make([]Line, 0, size)
			}
		}
		if len(batch) > 0 {
			yield(batch)
		}
	}
}

// CountLines returns the number of non-blank lines in r.
func CountLines(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	n := 0
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}
