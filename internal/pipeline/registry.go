package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/myrad-labs/myrad/internal/anonymize"
	"github.com/myrad-labs/myrad/internal/extract"
	"github.com/myrad-labs/myrad/internal/index"
	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/resilience"
	"github.com/myrad-labs/myrad/internal/sellable"
)

// TransformFunc runs extraction, anonymization and record build for one
// provider payload.
type TransformFunc func(payload []byte, k int, opts sellable.Options) (*sellable.Output, error)

// Provider bundles everything the pipeline needs for one data type.
type Provider struct {
	DataType  model.DataType
	Transform TransformFunc
	Rules     *index.RuleSet
}

// Registry maps data types to provider bundles.
type Registry struct {
	providers map[model.DataType]Provider
}

// stages composes the typed per-provider stages into a TransformFunc.
func stages[R, V any](
	extractFn func([]byte) (R, error),
	anonymizeFn func(R, int) V,
	buildFn func(V, sellable.Options) (*sellable.Output, error),
) TransformFunc {
	return func(payload []byte, k int, opts sellable.Options) (*sellable.Output, error) {
		rec, err := extractFn(payload)
		if err != nil {
			return nil, err
		}
		return buildFn(anonymizeFn(rec, k), opts)
	}
}

// NewRegistry builds the registry of the three supported providers.
func NewRegistry() (*Registry, error) {
	transforms := map[model.DataType]TransformFunc{
		model.DataTypeZomato:  stages(extract.Zomato, anonymize.Zomato, sellable.Zomato),
		model.DataTypeGitHub:  stages(extract.GitHub, anonymize.GitHub, sellable.GitHub),
		model.DataTypeNetflix: stages(extract.Netflix, anonymize.Netflix, sellable.Netflix),
	}

	r := &Registry{providers: make(map[model.DataType]Provider, len(transforms))}
	for _, dt := range model.DataTypes {
		rs, err := index.Rules(dt)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: rules for %s", dt)
		}
		r.providers[dt] = Provider{DataType: dt, Transform: transforms[dt], Rules: rs}
	}
	return r, nil
}

// Lookup returns the provider for dt, or ErrUnknownDataType.
func (r *Registry) Lookup(dt model.DataType) (Provider, error) {
	p, ok := r.providers[dt]
	if !ok {
		return Provider{}, eris.Wrapf(resilience.ErrUnknownDataType, "pipeline: %q", string(dt))
	}
	return p, nil
}
