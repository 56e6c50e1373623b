package frame

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrParseFailure indicates a simple reply that could not be parsed.
	ErrParseFailure = errors.New("frame: parse failure")

	// ErrProtocolDesync indicates a composite frame whose prefix or per-fiber
	// segments could not be parsed, or whose fiber set was incomplete or duplicated.
	ErrProtocolDesync = errors.New("frame: protocol desync")

	// ErrInvalidBias indicates a bias value outside [0, MaxBias].
	ErrInvalidBias = errors.New("frame: bias out of range")
)

const (
	couplingPrefix = "coupling:"
	biasPrefix     = "bias:"
)

// Coupling is a coupled-power reading over a firmware sample window, in linear units.
type Coupling struct {
	Min int
	Max int
	Avg int
}

// DecodeCoupling parses a "{min} {max} {avg}" reply.
func DecodeCoupling(line string) (Coupling, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Coupling{}, fmt.Errorf("%w: want 3 integers, got %q", ErrParseFailure, line)
	}

	var vals [3]int
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return Coupling{}, fmt.Errorf("%w: %q: %w", ErrParseFailure, line, err)
		}
		vals[i] = v
	}

	return Coupling{Min: vals[0], Max: vals[1], Avg: vals[2]}, nil
}

// DecodeCouplingFrame parses a "coupling:F{n}C{v}..." frame for fibers 1..fibers.
// The result is indexed by fiber number minus one.
func DecodeCouplingFrame(line string, fibers int) ([]int, error) {
	segments, err := splitFrame(line, couplingPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]int, fibers)
	seen := newFiberSet(fibers)

	for _, seg := range segments {
		fiberStr, valueStr, ok := strings.Cut(seg, "C")
		if !ok {
			return nil, fmt.Errorf("%w: malformed coupling segment %q", ErrProtocolDesync, seg)
		}

		fiber, err := seen.add(fiberStr)
		if err != nil {
			return nil, err
		}

		value, err := strconv.Atoi(valueStr)
		if err != nil || value < 0 {
			return nil, fmt.Errorf("%w: invalid coupling value in segment %q", ErrProtocolDesync, seg)
		}
		out[fiber-1] = value
	}

	if err := seen.complete(); err != nil {
		return nil, err
	}

	return out, nil
}

// DecodeBiasFrame parses a "bias:F{n}L{l}R{r}..." frame for fibers 1..fibers.
// The results are indexed by fiber number minus one.
func DecodeBiasFrame(line string, fibers int) (left, right []int, err error) {
	segments, err := splitFrame(line, biasPrefix)
	if err != nil {
		return nil, nil, err
	}

	left = make([]int, fibers)
	right = make([]int, fibers)
	seen := newFiberSet(fibers)

	for _, seg := range segments {
		fiberStr, rest, ok := strings.Cut(seg, "L")
		if !ok {
			return nil, nil, fmt.Errorf("%w: malformed bias segment %q", ErrProtocolDesync, seg)
		}
		leftStr, rightStr, ok := strings.Cut(rest, "R")
		if !ok {
			return nil, nil, fmt.Errorf("%w: malformed bias segment %q", ErrProtocolDesync, seg)
		}

		fiber, err := seen.add(fiberStr)
		if err != nil {
			return nil, nil, err
		}

		l, err := parseBias(leftStr)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: fiber %d left: %w", ErrProtocolDesync, fiber, err)
		}
		r, err := parseBias(rightStr)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: fiber %d right: %w", ErrProtocolDesync, fiber, err)
		}

		left[fiber-1] = l
		right[fiber-1] = r
	}

	if err := seen.complete(); err != nil {
		return nil, nil, err
	}

	return left, right, nil
}

// ValidBias reports whether v is within the DAC range.
func ValidBias(v int) bool {
	return v >= 0 && v <= MaxBias
}

func parseBias(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidBias, s)
	}
	if !ValidBias(v) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBias, v)
	}

	return v, nil
}

// splitFrame strips the line terminator, splits on 'F' and validates the prefix segment.
func splitFrame(line, prefix string) ([]string, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Split(line, "F")

	if head := strings.Trim(parts[0], "\x00"); head != prefix {
		return nil, fmt.Errorf("%w: expected %q, found %q", ErrProtocolDesync, prefix, head)
	}

	return parts[1:], nil
}

// fiberSet tracks which fibers a composite frame has reported.
type fiberSet struct {
	seen []bool
}

func newFiberSet(fibers int) *fiberSet {
	return &fiberSet{seen: make([]bool, fibers)}
}

func (s *fiberSet) add(fiberStr string) (int, error) {
	fiber, err := strconv.Atoi(fiberStr)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid fiber number %q", ErrProtocolDesync, fiberStr)
	}
	if fiber < 1 || fiber > len(s.seen) {
		return 0, fmt.Errorf("%w: fiber %d out of range [1, %d]", ErrProtocolDesync, fiber, len(s.seen))
	}
	if s.seen[fiber-1] {
		return 0, fmt.Errorf("%w: fiber %d reported twice", ErrProtocolDesync, fiber)
	}
	s.seen[fiber-1] = true

	return fiber, nil
}

func (s *fiberSet) complete() error {
	for i, ok := range s.seen {
		if !ok {
			return fmt.Errorf("%w: fiber %d missing", ErrProtocolDesync, i+1)
		}
	}

	return nil
}
