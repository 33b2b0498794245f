// Package pipeline turns a provider proof submission into a persisted
// sellable record.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/myrad-labs/myrad/internal/config"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/resilience"
	"github.com/myrad-labs/myrad/internal/sellable"
	"github.com/myrad-labs/myrad/internal/store"
)

// Pipeline runs extract, anonymize, build, project and persist for one
// submission at a time. It is safe for concurrent use.
type Pipeline struct {
	registry *Registry
	store    store.Store
	fallback store.Store
	cfg      config.PipelineConfig
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFallback sets a secondary store used when the primary store fails.
// Only development deployments configure one.
func WithFallback(st store.Store) Option {
	return func(p *Pipeline) { p.fallback = st }
}

// WithClock overrides the generated_at clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline writing to st.
func New(cfg config.PipelineConfig, reg *Registry, st store.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: reg,
		store:    st,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Result is the outcome of a processed submission.
type Result struct {
	Record   *model.SellableRecord `json:"record"`
	Quality  sellable.DataQuality  `json:"data_quality"`
	Fallback bool                  `json:"fallback"`
}

func validateSubmission(sub model.Submission) error {
	if strings.TrimSpace(sub.ReclaimProofID) == "" {
		return resilience.NewMalformedInput("reclaimProofId", "required")
	}
	if strings.TrimSpace(sub.UserID) == "" {
		return resilience.NewMalformedInput("userId", "required")
	}
	return nil
}

// Build runs every stage up to and including projection, without I/O.
func (p *Pipeline) Build(sub model.Submission) (*model.SellableRecord, sellable.DataQuality, error) {
	prov, err := p.registry.Lookup(sub.DataType)
	if err != nil {
		return nil, sellable.DataQuality{}, err
	}
	if err := validateSubmission(sub); err != nil {
		return nil, sellable.DataQuality{}, err
	}

	out, err := prov.Transform(sub.AnonymizedData, p.cfg.MinKAnonymity, sellable.Options{
		SchemaVersion: p.cfg.SchemaVersion(sub.DataType),
		GeneratedAt:   p.now(),
	})
	if err != nil {
		return nil, sellable.DataQuality{}, err
	}
	fields, err := prov.Rules.Project(out.SellableData)
	if err != nil {
		return nil, sellable.DataQuality{}, eris.Wrap(err, "pipeline: project indexed fields")
	}

	return &model.SellableRecord{
		UserID:         sub.UserID,
		ReclaimProofID: sub.ReclaimProofID,
		DataType:       sub.DataType,
		Status:         model.StatusNew,
		SellableData:   out.SellableData,
		Metadata:       out.Metadata,
		IndexedFields:  fields,
	}, out.Quality, nil
}

// Process builds and persists a submission. A primary-store failure is
// returned unless a fallback store is configured.
func (p *Pipeline) Process(ctx context.Context, sub model.Submission) (*Result, error) {
	start := time.Now()
	label := string(sub.DataType)
	if !sub.DataType.Valid() {
		label = "unknown"
	}
	defer func() {
		processDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	log := zap.L().With(
		zap.String("data_type", label),
		zap.String("reclaim_proof_id", sub.ReclaimProofID),
	)

	rec, quality, err := p.Build(sub)
	if err != nil {
		contributionsTotal.WithLabelValues(label, outcomeRejected).Inc()
		log.Info("pipeline: submission rejected", zap.Error(err))
		return nil, err
	}
	cohortID, _ := rec.IndexedFields["cohort_id"].(string)
	log = log.With(zap.String("cohort_id", cohortID))
	log.Debug("pipeline: record built", zap.Int("quality_score", quality.Score))
	qualityScore.WithLabelValues(label).Observe(float64(quality.Score))

	saved, err := p.store.Upsert(ctx, rec)
	if err == nil {
		contributionsTotal.WithLabelValues(label, outcomeStored).Inc()
		log.Info("pipeline: record stored", zap.String("id", saved.ID))
		return &Result{Record: saved, Quality: quality}, nil
	}

	if errors.Is(err, resilience.ErrProofTypeConflict) {
		contributionsTotal.WithLabelValues(label, outcomeConflict).Inc()
		log.Info("pipeline: proof registered under another data type", zap.Error(err))
		return nil, err
	}
	if p.fallback == nil || !resilience.IsPersistence(err) {
		contributionsTotal.WithLabelValues(label, outcomeFailed).Inc()
		log.Error("pipeline: persist failed", zap.Bool("transient", resilience.IsTransient(err)), zap.Error(err))
		return nil, err
	}

	log.Warn("pipeline: primary store failed, writing to fallback", zap.Error(err))
	saved, ferr := p.fallback.Upsert(ctx, rec)
	if ferr != nil {
		contributionsTotal.WithLabelValues(label, outcomeFailed).Inc()
		log.Error("pipeline: fallback persist failed", zap.Error(ferr))
		return nil, eris.Wrapf(err, "pipeline: fallback also failed: %v", ferr)
	}
	contributionsTotal.WithLabelValues(label, outcomeFallback).Inc()
	return &Result{Record: saved, Quality: quality, Fallback: true}, nil
}
