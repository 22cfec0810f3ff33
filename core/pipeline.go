package core

import (
	"sync/atomic"
	"time"
)

// PipelineConfig toggles individual outbound stages. Every stage is
// enabled by default; disabling validation or adaptation is meant for
// tests and trusted internal tooling, never for traffic to/from a real
// server.
type PipelineConfig struct {
	Format         Format
	SkipValidate   bool
	SkipAdapt      bool
	Metrics        *Metrics
}

// PipelineStats are lock-free counters kept regardless of whether
// Prometheus is wired in.
type PipelineStats struct {
	TotalOps         uint64
	Successes        uint64
	Failures         uint64
	ObjectsProcessed uint64
}

// Pipeline is the serialization pipeline: validate -> adapt -> encode
// outbound, decode -> adapt-reverse -> validate -> construct inbound.
type Pipeline struct {
	cfg     PipelineConfig
	adapter Adapter
	codec   Codec
	val     Validator
	stats   PipelineStats
}

// NewPipeline builds a pipeline for the given dialect and format.
func NewPipeline(adapter Adapter, cfg PipelineConfig) *Pipeline {
	return &Pipeline{cfg: cfg, adapter: adapter, codec: codecFor(cfg.Format), val: Validator{}}
}

// Stats returns a snapshot of the lock-free counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		TotalOps:         atomic.LoadUint64(&p.stats.TotalOps),
		Successes:        atomic.LoadUint64(&p.stats.Successes),
		Failures:         atomic.LoadUint64(&p.stats.Failures),
		ObjectsProcessed: atomic.LoadUint64(&p.stats.ObjectsProcessed),
	}
}

// EncodeOutbound runs validate -> adapt -> encode on a single canonical
// row, in that order, aborting on the first failing stage.
func (p *Pipeline) EncodeOutbound(row TableRow, typeName string) ([]byte, error) {
	atomic.AddUint64(&p.stats.TotalOps, 1)
	atomic.AddUint64(&p.stats.ObjectsProcessed, 1)

	if !p.cfg.SkipValidate {
		if err := p.timedStage("validate", func() error { return p.val.Validate(row, typeName) }); err != nil {
			atomic.AddUint64(&p.stats.Failures, 1)
			return nil, err
		}
	}

	wireRow := row
	if !p.cfg.SkipAdapt {
		var err error
		if err = p.timedStageRow("adapt", func() (TableRow, error) { return p.adapter.ToServer(row, typeName) }, &wireRow); err != nil {
			atomic.AddUint64(&p.stats.Failures, 1)
			return nil, err
		}
	}

	var out []byte
	err := p.timedStage("encode", func() error {
		var e error
		out, e = p.codec.Encode(wireRow)
		return e
	})
	if err != nil {
		atomic.AddUint64(&p.stats.Failures, 1)
		return nil, err
	}
	atomic.AddUint64(&p.stats.Successes, 1)
	return out, nil
}

// DecodeInbound runs decode -> adapt-reverse -> validate on wire bytes,
// returning the canonical row.
func (p *Pipeline) DecodeInbound(data []byte, typeName string) (TableRow, error) {
	atomic.AddUint64(&p.stats.TotalOps, 1)
	atomic.AddUint64(&p.stats.ObjectsProcessed, 1)

	var wireRow TableRow
	err := p.timedStage("decode", func() error {
		var e error
		wireRow, e = p.codec.Decode(data)
		return e
	})
	if err != nil {
		atomic.AddUint64(&p.stats.Failures, 1)
		return nil, err
	}

	row := wireRow
	if !p.cfg.SkipAdapt {
		if err := p.timedStageRow("adapt", func() (TableRow, error) { return p.adapter.FromServer(wireRow, typeName) }, &row); err != nil {
			atomic.AddUint64(&p.stats.Failures, 1)
			return nil, err
		}
	}

	if !p.cfg.SkipValidate {
		if err := p.timedStage("validate", func() error { return p.val.Validate(row, typeName) }); err != nil {
			atomic.AddUint64(&p.stats.Failures, 1)
			return nil, err
		}
	}

	atomic.AddUint64(&p.stats.Successes, 1)
	return row, nil
}

// EncodeBatchOutbound serializes a homogeneous list of rows. Per-element
// validate/adapt failures are reported alongside successes rather than
// aborting the whole batch; only the final codec-level batch encode can
// fail outright (it cannot partially fail because the wire format is one
// contiguous blob).
func (p *Pipeline) EncodeBatchOutbound(rows []TableRow, typeName string) ([]byte, []error) {
	adapted := make([]TableRow, 0, len(rows))
	var errs []error
	for _, row := range rows {
		atomic.AddUint64(&p.stats.TotalOps, 1)
		atomic.AddUint64(&p.stats.ObjectsProcessed, 1)
		if !p.cfg.SkipValidate {
			if err := p.val.Validate(row, typeName); err != nil {
				atomic.AddUint64(&p.stats.Failures, 1)
				errs = append(errs, err)
				continue
			}
		}
		wireRow := row
		if !p.cfg.SkipAdapt {
			var err error
			wireRow, err = p.adapter.ToServer(row, typeName)
			if err != nil {
				atomic.AddUint64(&p.stats.Failures, 1)
				errs = append(errs, err)
				continue
			}
		}
		atomic.AddUint64(&p.stats.Successes, 1)
		adapted = append(adapted, wireRow)
	}
	data, err := p.codec.EncodeBatch(adapted)
	if err != nil {
		errs = append(errs, err)
		return nil, errs
	}
	return data, errs
}

// DecodeBatchInbound deserializes a homogeneous list of rows, reporting
// per-element failures alongside successfully decoded rows. An empty
// input batch decodes to an empty, non-nil output slice.
func (p *Pipeline) DecodeBatchInbound(data []byte, typeName string) ([]TableRow, []error) {
	wireRows, codecErrs := p.codec.DecodeBatch(data)
	out := make([]TableRow, 0, len(wireRows))
	errs := append([]error{}, codecErrs...)
	for _, wireRow := range wireRows {
		atomic.AddUint64(&p.stats.TotalOps, 1)
		atomic.AddUint64(&p.stats.ObjectsProcessed, 1)
		row := wireRow
		if !p.cfg.SkipAdapt {
			var err error
			row, err = p.adapter.FromServer(wireRow, typeName)
			if err != nil {
				atomic.AddUint64(&p.stats.Failures, 1)
				errs = append(errs, err)
				continue
			}
		}
		if !p.cfg.SkipValidate {
			if err := p.val.Validate(row, typeName); err != nil {
				atomic.AddUint64(&p.stats.Failures, 1)
				errs = append(errs, err)
				continue
			}
		}
		atomic.AddUint64(&p.stats.Successes, 1)
		out = append(out, row)
	}
	return out, errs
}

func (p *Pipeline) timedStage(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.observe(stage, time.Since(start), err)
	return err
}

func (p *Pipeline) timedStageRow(stage string, fn func() (TableRow, error), out *TableRow) error {
	start := time.Now()
	row, err := fn()
	p.observe(stage, time.Since(start), err)
	if err == nil {
		*out = row
	}
	return err
}

func (p *Pipeline) observe(stage string, d time.Duration, err error) {
	if p.cfg.Metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.cfg.Metrics.pipelineOps.WithLabelValues(stage, outcome).Inc()
	p.cfg.Metrics.pipelineDuration.WithLabelValues(stage).Observe(d.Seconds())
}
