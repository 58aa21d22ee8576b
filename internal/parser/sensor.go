package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/plasma-predict/orchestrator/internal/models"
)

// SensorFile is one uploaded sensor dump: a text file of
// "<time> <value>" lines.
type SensorFile struct {
	Name    string
	Content []byte
}

// ParseError names the exact file and line that failed.
type ParseError struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Reason)
}

// Warning flags cross-signal axis drift without rejecting the data.
// Downstream nodes may still refuse the discharge.
type Warning struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

// ParseDischarge turns a set of sensor files into one discharge. The first
// file's time column becomes the shared axis; later files that disagree in
// length or in any value at an equal index produce warnings but are kept.
func ParseDischarge(files []SensorFile) (*models.Discharge, []Warning, error) {
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("no sensor files provided")
	}

	var (
		axis     []float64
		axisFile string
		signals  = make([]models.Signal, 0, len(files))
		warnings []Warning
	)

	for _, f := range files {
		times, values, err := parseSeries(f.Name, f.Content)
		if err != nil {
			return nil, nil, err
		}

		if axis == nil {
			axis = times
			axisFile = f.Name
		} else {
			warnings = append(warnings, compareAxis(axisFile, axis, f.Name, times)...)
		}

		signals = append(signals, models.Signal{FileName: f.Name, Values: values})
	}

	return &models.Discharge{
		Times:   axis,
		Length:  len(axis),
		Signals: signals,
	}, warnings, nil
}

// parseSeries scans one file into its time and value columns.
func parseSeries(name string, content []byte) ([]float64, []float64, error) {
	var times, values []float64

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			return nil, nil, &ParseError{File: name, Line: lineNum, Reason: "blank line"}
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, nil, &ParseError{
				File:   name,
				Line:   lineNum,
				Reason: fmt.Sprintf("expected 2 fields, got %d", len(fields)),
			}
		}

		t, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, nil, &ParseError{File: name, Line: lineNum, Reason: "invalid time value"}
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, nil, &ParseError{File: name, Line: lineNum, Reason: "invalid signal value"}
		}

		times = append(times, t)
		values = append(values, v)
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", name, err)
	}

	if len(times) == 0 {
		return nil, nil, &ParseError{File: name, Line: 0, Reason: "file is empty"}
	}

	return times, values, nil
}

// compareAxis surfaces drift between a file's time column and the shared
// axis: a length mismatch, or the first index where the values diverge.
func compareAxis(axisFile string, axis []float64, name string, times []float64) []Warning {
	var warnings []Warning

	if len(times) != len(axis) {
		warnings = append(warnings, Warning{
			File: name,
			Message: fmt.Sprintf("time axis has %d samples, %s has %d",
				len(times), axisFile, len(axis)),
		})
	}

	n := len(axis)
	if len(times) < n {
		n = len(times)
	}
	for i := 0; i < n; i++ {
		if times[i] != axis[i] {
			warnings = append(warnings, Warning{
				File:    name,
				Message: fmt.Sprintf("time axis diverges from %s at index %d", axisFile, i),
			})
			break
		}
	}

	return warnings
}
