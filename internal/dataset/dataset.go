// Package dataset loads CSV-backed evaluation datasets.
package dataset

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/efebarandurmaz/evalbridge/internal/observability"
)

// Split names.
const (
	SplitDev  = "dev"
	SplitTest = "test"
)

// DevTarget is the placeholder target of every dev record.
const DevTarget = "ok"

// ErrEncoding is returned when a CSV file is not valid UTF-8.
var ErrEncoding = errors.New("dataset: file is not valid UTF-8")

// ErrUnknownSplit is returned by DatasetDict.Split for a split that was not loaded.
var ErrUnknownSplit = errors.New("dataset: unknown split")

// Record is one example. Dev records hold a single CSV row as their only
// input element.
type Record struct {
	Input  []any  `json:"input"`
	Target string `json:"target"`
}

// Row returns the CSV row of a dev record.
func (r Record) Row() ([]string, bool) {
	if len(r.Input) != 1 {
		return nil, false
	}
	row, ok := r.Input[0].([]string)
	return row, ok
}

// DatasetDict holds records by split name.
type DatasetDict map[string][]Record

// Split returns the records of one split.
func (d DatasetDict) Split(name string) ([]Record, error) {
	recs, ok := d[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (have %v)", ErrUnknownSplit, name, d.Names())
	}
	return recs, nil
}

// Names lists the loaded splits in sorted order.
func (d DatasetDict) Names() []string {
	out := make([]string, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// testFixture is the fixed record placed in the test split.
func testFixture() Record {
	return Record{Input: []any{"1"}, Target: "2"}
}

// Loader reads datasets from disk.
type Loader struct {
	log     zerolog.Logger
	metrics *observability.Metrics
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger rows are reported to.
func WithLogger(l zerolog.Logger) Option {
	return func(ld *Loader) { ld.log = l }
}

// WithMetrics records loaded row counts on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(ld *Loader) { ld.metrics = m }
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	ld := &Loader{log: log.Logger}
	for _, opt := range opts {
		opt(ld)
	}
	return ld
}

// Load reads <path>/dev/<name>_dev.csv into the dev split and adds the
// single-record test split.
func Load(path, name string) (DatasetDict, error) {
	return NewLoader().Load(context.Background(), path, name)
}

// Path returns the CSV file read for split.
func Path(path, name, split string) string {
	return filepath.Join(path, split, name+"_"+split+".csv")
}

// Load reads <path>/dev/<name>_dev.csv into the dev split and adds the
// single-record test split.
func (ld *Loader) Load(ctx context.Context, path, name string) (DatasetDict, error) {
	_, span := observability.StartDatasetSpan(ctx, path, name)
	defer span.End()

	dev, err := ld.readSplit(Path(path, name, SplitDev), name)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	dd := DatasetDict{
		SplitDev:  dev,
		SplitTest: {testFixture()},
	}
	sizes := make(map[string]int, len(dd))
	for split, recs := range dd {
		sizes[split] = len(recs)
		ld.metrics.RecordRows(name, split, len(recs))
	}
	observability.RecordDatasetResult(span, sizes)
	ld.log.Info().Str("dataset", name).Int("dev", len(dev)).Msg("dataset loaded")
	return dd, nil
}

func (ld *Loader) readSplit(file, name string) ([]Record, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("load dataset %s: %w", name, err)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("load dataset %s: %s: %w", name, file, ErrEncoding)
	}

	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var (
		recs []Record
		prev int64
	)
	// encoding/csv skips empty lines; each one still counts as an empty row.
	addBlank := func(upTo int64) {
		for range blankLines(raw[prev:upTo]) {
			ld.log.Debug().Str("dataset", name).Strs("row", nil).Msg("row")
			recs = append(recs, Record{Input: []any{[]string{}}, Target: DevTarget})
		}
	}
	for {
		row, err := r.Read()
		if err == io.EOF {
			addBlank(int64(len(raw)))
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load dataset %s: %s: %w", name, file, err)
		}
		off := r.InputOffset()
		addBlank(off)
		prev = off
		ld.log.Debug().Str("dataset", name).Strs("row", row).Msg("row")
		recs = append(recs, Record{Input: []any{row}, Target: DevTarget})
	}
	return recs, nil
}

// blankLines counts the empty lines at the start of b.
func blankLines(b []byte) int {
	n := 0
	for {
		switch {
		case bytes.HasPrefix(b, []byte("\n")):
			b = b[1:]
		case bytes.HasPrefix(b, []byte("\r\n")):
			b = b[2:]
		default:
			return n
		}
		n++
	}
}
