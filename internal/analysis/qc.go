package analysis

// SampleQC holds detection statistics for one sample.
type SampleQC struct {
	SampleID      string
	SampleName    string
	TotalCounts   float64
	DetectedGenes int
	DetectionRate float64
}

// QCMetrics summarizes detection across the dataset: a gene counts as
// expressed when any sample has a positive count for it, detected per
// sample when that sample's count is positive.
type QCMetrics struct {
	TotalGenes     int
	ExpressedGenes int
	ExpressionRate float64
	Samples        []SampleQC
}

// QC computes detection statistics from the raw count matrix.
func (e *Engine) QC() *QCMetrics {
	m := e.ds.Matrix
	nGenes, nSamples := m.NGenes(), m.NSamples()

	qc := &QCMetrics{
		TotalGenes: nGenes,
		Samples:    make([]SampleQC, nSamples),
	}
	for s := 0; s < nSamples; s++ {
		qc.Samples[s].SampleID = e.ds.Samples[s].ID
		qc.Samples[s].SampleName = e.ds.Samples[s].Name
	}

	for g := 0; g < nGenes; g++ {
		expressed := false
		for s, c := range m.Row(g) {
			qc.Samples[s].TotalCounts += c
			if c > 0 {
				expressed = true
				qc.Samples[s].DetectedGenes++
			}
		}
		if expressed {
			qc.ExpressedGenes++
		}
	}

	if nGenes > 0 {
		qc.ExpressionRate = float64(qc.ExpressedGenes) / float64(nGenes)
		for s := range qc.Samples {
			qc.Samples[s].DetectionRate = float64(qc.Samples[s].DetectedGenes) / float64(nGenes)
		}
	}
	return qc
}
