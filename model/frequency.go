package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultStartMHz and DefaultEndMHz bound the sweep when the operator
	// does not supply a range.
	DefaultStartMHz = 4900
	DefaultEndMHz   = 6100
	// DefaultStepMHz is the spacing between consecutive channels in a range.
	DefaultStepMHz = 5
)

// ErrInvalidFrequency is returned when a frequency expression cannot be parsed.
var ErrInvalidFrequency = errors.New("invalid frequency")

// FrequencyPlan is the ordered list of frequencies (MHz) visited by a sweep.
// It is iterated once, front to back.
type FrequencyPlan struct {
	Frequencies []int
}

// Len returns the number of frequencies in the plan.
func (p FrequencyPlan) Len() int { return len(p.Frequencies) }

// String renders the plan compactly for logs.
func (p FrequencyPlan) String() string {
	switch len(p.Frequencies) {
	case 0:
		return "empty"
	case 1:
		return fmt.Sprintf("%d MHz", p.Frequencies[0])
	default:
		return fmt.Sprintf("%d-%d MHz (%d channels)", p.Frequencies[0], p.Frequencies[len(p.Frequencies)-1], len(p.Frequencies))
	}
}

// RangePlan builds an inclusive plan from start to end in step increments.
// A descending range is swept downwards.
func RangePlan(start, end, step int) (FrequencyPlan, error) {
	if start <= 0 || end <= 0 {
		return FrequencyPlan{}, fmt.Errorf("%w: range %d-%d must be positive", ErrInvalidFrequency, start, end)
	}
	if step <= 0 {
		return FrequencyPlan{}, fmt.Errorf("%w: step %d must be positive", ErrInvalidFrequency, step)
	}

	var freqs []int
	if start <= end {
		for f := start; f <= end; f += step {
			freqs = append(freqs, f)
		}
	} else {
		for f := start; f >= end; f -= step {
			freqs = append(freqs, f)
		}
	}
	return FrequencyPlan{Frequencies: freqs}, nil
}

// DefaultPlan returns the 4900-6100 MHz plan with the given step.
func DefaultPlan(step int) FrequencyPlan {
	if step <= 0 {
		step = DefaultStepMHz
	}
	plan, _ := RangePlan(DefaultStartMHz, DefaultEndMHz, step)
	return plan
}

// ParseFrequencyPlan parses either a range ("5180-5320") or an explicit
// comma separated list ("5180,5200,5240"). Whitespace is ignored.
func ParseFrequencyPlan(expr string, step int) (FrequencyPlan, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return FrequencyPlan{}, fmt.Errorf("%w: empty expression", ErrInvalidFrequency)
	}

	if strings.Contains(expr, ",") {
		parts := strings.Split(expr, ",")
		freqs := make([]int, 0, len(parts))
		for _, part := range parts {
			f, err := parseMHz(part)
			if err != nil {
				return FrequencyPlan{}, err
			}
			freqs = append(freqs, f)
		}
		return FrequencyPlan{Frequencies: freqs}, nil
	}

	bounds := strings.Split(expr, "-")
	switch len(bounds) {
	case 1:
		f, err := parseMHz(bounds[0])
		if err != nil {
			return FrequencyPlan{}, err
		}
		return FrequencyPlan{Frequencies: []int{f}}, nil
	case 2:
		start, err := parseMHz(bounds[0])
		if err != nil {
			return FrequencyPlan{}, err
		}
		end, err := parseMHz(bounds[1])
		if err != nil {
			return FrequencyPlan{}, err
		}
		return RangePlan(start, end, step)
	default:
		return FrequencyPlan{}, fmt.Errorf("%w: %q", ErrInvalidFrequency, expr)
	}
}

func parseMHz(s string) (int, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.ToLower(s), "mhz")
	f, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFrequency, s)
	}
	return f, nil
}
