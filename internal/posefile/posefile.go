// Package posefile reads the per-image pose lists written by the registration
// and mapping engines and derives registration statistics from them.
//
// One record per line:
//
//	<image> qw qx qy qz tx ty tz <focal_length> <inliers>
package posefile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const fieldsPerRecord = 10

// Focal lengths closer than these tolerances count as one value.
const (
	focalAbsTol = 1e-8
	focalRelTol = 1e-5
)

// Pose is a rigid camera transform.
type Pose struct {
	Rotation    quat.Number
	Translation r3.Vec
}

// PoseRecord is one image's estimate.
type PoseRecord struct {
	ImageID     string
	Pose        Pose
	FocalLength float64
	Inliers     float64
}

// Set holds every record of one pose file.
type Set struct {
	Path    string
	Records []PoseRecord
}

// MissingFileError means the pose file was never produced.
type MissingFileError struct {
	Path string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("pose file %s does not exist", e.Path)
}

// MalformedRecordError reports the first line that could not be parsed.
type MalformedRecordError struct {
	Path   string
	Line   int
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("pose file %s line %d: %s", e.Path, e.Line, e.Reason)
}

// ConsistencyError is returned when records disagree on the shared focal length.
type ConsistencyError struct {
	Path   string
	Values []float64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("pose file %s: expected a single focal length, found %v", e.Path, e.Values)
}

// Read parses the pose file at path. Any malformed line fails the whole read.
func Read(path string) (Set, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Set{}, &MissingFileError{Path: path}
	}
	if err != nil {
		return Set{}, fmt.Errorf("open pose file: %w", err)
	}
	defer f.Close()

	return Parse(path, f)
}

// Parse reads records from r; path is only used in errors.
func Parse(path string, r io.Reader) (Set, error) {
	set := Set{Path: path}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			return Set{}, &MalformedRecordError{Path: path, Line: lineNo, Reason: err.Error()}
		}
		set.Records = append(set.Records, rec)
	}
	if err := scanner.Err(); err != nil {
		return Set{}, fmt.Errorf("read pose file %s: %w", path, err)
	}
	return set, nil
}

func parseRecord(line string) (PoseRecord, error) {
	fields := strings.Fields(line)
	if len(fields) != fieldsPerRecord {
		return PoseRecord{}, fmt.Errorf("expected %d fields, got %d", fieldsPerRecord, len(fields))
	}
	var vals [fieldsPerRecord - 1]float64
	for i, raw := range fields[1:] {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return PoseRecord{}, fmt.Errorf("field %d: %q is not a number", i+2, raw)
		}
		vals[i] = v
	}
	return PoseRecord{
		ImageID: fields[0],
		Pose: Pose{
			Rotation:    quat.Number{Real: vals[0], Imag: vals[1], Jmag: vals[2], Kmag: vals[3]},
			Translation: r3.Vec{X: vals[4], Y: vals[5], Z: vals[6]},
		},
		FocalLength: vals[7],
		Inliers:     vals[8],
	}, nil
}

// Len returns the number of records.
func (s Set) Len() int { return len(s.Records) }

// RegistrationRate is the fraction of records with at least threshold inliers.
// An empty set has rate 0.
func (s Set) RegistrationRate(threshold float64) float64 {
	if len(s.Records) == 0 {
		return 0
	}
	registered := 0
	for _, rec := range s.Records {
		if rec.Inliers >= threshold {
			registered++
		}
	}
	return float64(registered) / float64(len(s.Records))
}

// RegistrationRates returns one rate per threshold, in the given order.
func (s Set) RegistrationRates(thresholds []float64) []float64 {
	rates := make([]float64, len(thresholds))
	for i, t := range thresholds {
		rates[i] = s.RegistrationRate(t)
	}
	return rates
}

// SharedFocalLength returns the focal length every record agrees on.
func (s Set) SharedFocalLength() (float64, error) {
	if len(s.Records) == 0 {
		return 0, &MalformedRecordError{Path: s.Path, Reason: "no records to read a focal length from"}
	}
	ref := s.Records[0].FocalLength
	for _, rec := range s.Records[1:] {
		if !scalar.EqualWithinAbsOrRel(rec.FocalLength, ref, focalAbsTol, focalRelTol) {
			return 0, &ConsistencyError{Path: s.Path, Values: s.distinctFocalLengths()}
		}
	}
	return ref, nil
}

func (s Set) distinctFocalLengths() []float64 {
	var out []float64
	for _, rec := range s.Records {
		seen := false
		for _, v := range out {
			if scalar.EqualWithinAbsOrRel(v, rec.FocalLength, focalAbsTol, focalRelTol) {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, rec.FocalLength)
		}
	}
	return out
}

// RegistrationRates reads path and evaluates it at each threshold.
func RegistrationRates(path string, thresholds []float64) ([]float64, error) {
	set, err := Read(path)
	if err != nil {
		return nil, err
	}
	return set.RegistrationRates(thresholds), nil
}

// SharedFocalLength reads path and returns its single focal length.
func SharedFocalLength(path string) (float64, error) {
	set, err := Read(path)
	if err != nil {
		return 0, err
	}
	return set.SharedFocalLength()
}

// Write stores records in the same line format Read accepts.
func Write(path string, records []PoseRecord) error {
	var b strings.Builder
	for _, rec := range records {
		q, t := rec.Pose.Rotation, rec.Pose.Translation
		fmt.Fprintf(&b, "%s %g %g %g %g %g %g %g %g %g\n",
			rec.ImageID, q.Real, q.Imag, q.Jmag, q.Kmag, t.X, t.Y, t.Z, rec.FocalLength, rec.Inliers)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
