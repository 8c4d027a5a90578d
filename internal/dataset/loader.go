package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Sample sheet QC column names. Any other column becomes a trait.
const (
	colSampleID        = "sample_id"
	colSampleName      = "sample_name"
	colLibrarySize     = "library_size"
	colMappingRate     = "mapping_rate"
	colRNAIntegrity    = "rna_integrity"
	colSequencingDepth = "sequencing_depth"
)

// Loader reads sample sheets and count tables (CSV, optionally
// gzip-compressed) into datasets.
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a loader with a no-op logger.
func NewLoader() *Loader {
	return &Loader{logger: zap.NewNop()}
}

// SetLogger sets the logger used for load-time warnings.
func (l *Loader) SetLogger(logger *zap.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Load reads a sample sheet and a count table and assembles the dataset.
// Count columns whose header is not a known sample name are ignored with
// a warning; known samples missing from the count header get zero counts.
func (l *Loader) Load(samplesPath, countsPath string) (*Dataset, error) {
	samples, err := l.loadSamples(samplesPath)
	if err != nil {
		return nil, fmt.Errorf("load sample sheet %s: %w", samplesPath, err)
	}

	known := make(map[string]struct{}, len(samples))
	for i := range samples {
		known[samples[i].Name] = struct{}{}
	}

	genes, err := l.loadCounts(countsPath, known)
	if err != nil {
		return nil, fmt.Errorf("load count table %s: %w", countsPath, err)
	}

	ds, err := New(samples, genes)
	if err != nil {
		return nil, fmt.Errorf("build count matrix: %w", err)
	}

	l.logger.Debug("tables parsed",
		zap.String("samples_path", samplesPath),
		zap.String("counts_path", countsPath),
		zap.Int("samples", len(samples)),
		zap.Int("genes", len(genes)))
	return ds, nil
}

func (l *Loader) loadSamples(path string) ([]Sample, error) {
	rc, err := openTable(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	idIdx, nameIdx := -1, -1
	qcIdx := map[string]int{
		colLibrarySize:     -1,
		colMappingRate:     -1,
		colRNAIntegrity:    -1,
		colSequencingDepth: -1,
	}
	var traitIdx []int
	for i, h := range header {
		h = strings.TrimSpace(h)
		header[i] = h
		switch h {
		case colSampleID:
			idIdx = i
		case colSampleName:
			nameIdx = i
		case colLibrarySize, colMappingRate, colRNAIntegrity, colSequencingDepth:
			qcIdx[h] = i
		default:
			traitIdx = append(traitIdx, i)
		}
	}
	if idIdx < 0 {
		return nil, fmt.Errorf("missing required column %q", colSampleID)
	}

	var samples []Sample
	seenID := make(map[string]struct{})
	seenName := make(map[string]struct{})
	for row := 2; ; row++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		s := Sample{
			ID:     strings.TrimSpace(record[idIdx]),
			Traits: make(map[string]TraitValue),
		}
		if s.ID == "" {
			return nil, fmt.Errorf("row %d: empty %s", row, colSampleID)
		}
		if _, dup := seenID[s.ID]; dup {
			return nil, fmt.Errorf("row %d: duplicate %s %q", row, colSampleID, s.ID)
		}
		seenID[s.ID] = struct{}{}

		s.Name = s.ID
		if nameIdx >= 0 {
			if name := strings.TrimSpace(record[nameIdx]); name != "" {
				s.Name = name
			}
		}
		if _, dup := seenName[s.Name]; dup {
			return nil, fmt.Errorf("row %d: duplicate %s %q", row, colSampleName, s.Name)
		}
		seenName[s.Name] = struct{}{}

		for col, idx := range qcIdx {
			if idx < 0 {
				continue
			}
			cell := strings.TrimSpace(record[idx])
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d, column %q: invalid number %q", row, col, cell)
			}
			switch col {
			case colLibrarySize:
				s.LibrarySize = v
			case colMappingRate:
				s.MappingRate = v
			case colRNAIntegrity:
				s.RNAIntegrity = v
			case colSequencingDepth:
				s.SequencingDepth = v
			}
		}

		for _, idx := range traitIdx {
			cell := strings.TrimSpace(record[idx])
			if cell == "" {
				continue
			}
			if v, err := strconv.ParseFloat(cell, 64); err == nil {
				s.Traits[header[idx]] = Numeric(v)
			} else {
				s.Traits[header[idx]] = Categorical(cell)
			}
		}

		samples = append(samples, s)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples")
	}
	return samples, nil
}

func (l *Loader) loadCounts(path string, known map[string]struct{}) ([]GeneExpressionRecord, error) {
	rc, err := openTable(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 1 || strings.TrimSpace(header[0]) != "gene_id" {
		return nil, fmt.Errorf("first column must be %q", "gene_id")
	}

	nameIdx := -1
	sampleCols := make([]int, 0, len(header))
	for i := 1; i < len(header); i++ {
		h := strings.TrimSpace(header[i])
		header[i] = h
		if h == "gene_name" {
			nameIdx = i
			continue
		}
		if _, ok := known[h]; !ok {
			l.logger.Warn("count column does not match any sample, ignoring",
				zap.String("column", h))
			continue
		}
		sampleCols = append(sampleCols, i)
	}

	var genes []GeneExpressionRecord
	for row := 2; ; row++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		g := GeneExpressionRecord{
			GeneID: strings.TrimSpace(record[0]),
			Counts: make(map[string]float64, len(sampleCols)),
		}
		if g.GeneID == "" {
			return nil, fmt.Errorf("row %d: empty gene_id", row)
		}
		g.GeneName = g.GeneID
		if nameIdx >= 0 {
			if name := strings.TrimSpace(record[nameIdx]); name != "" {
				g.GeneName = name
			}
		}

		for _, idx := range sampleCols {
			cell := strings.TrimSpace(record[idx])
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("row %d, column %q: invalid count %q", row, header[idx], cell)
			}
			g.Counts[header[idx]] = v
		}

		genes = append(genes, g)
	}
	if len(genes) == 0 {
		return nil, fmt.Errorf("no genes")
	}
	return genes, nil
}

// openTable opens a CSV file, transparently decompressing ".gz" paths.
func openTable(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	return &gzipTable{gz: gz, f: f}, nil
}

type gzipTable struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipTable) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipTable) Close() error {
	if err := g.gz.Close(); err != nil {
		g.f.Close()
		return err
	}
	return g.f.Close()
}
