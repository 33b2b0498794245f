package sellable

import (
	"github.com/myrad-labs/myrad/internal/anonymize"
	"github.com/myrad-labs/myrad/internal/extract"
	"github.com/myrad-labs/myrad/internal/model"
)

type zomatoTree struct {
	header
	TransactionData zomatoTransactions     `json:"transaction_data"`
	AudienceSegment zomatoAudience         `json:"audience_segment"`
	Preferences     zomatoPreferences      `json:"preferences"`
	Cohort          model.CohortAssignment `json:"cohort"`
	DataQuality     DataQuality            `json:"data_quality"`
}

type zomatoTransactions struct {
	TotalOrders    *int64   `json:"total_orders"`
	TotalGMV       *float64 `json:"total_gmv"`
	AvgOrderValue  *float64 `json:"avg_order_value"`
	Currency       *string  `json:"currency"`
	FirstOrderDate *string  `json:"first_order_date"`
	LastOrderDate  *string  `json:"last_order_date"`
	OrderFrequency *string  `json:"order_frequency"`
}

type zomatoAudience struct {
	CityCluster      *string `json:"city_cluster"`
	LifestyleSegment *string `json:"lifestyle_segment"`
	SpendBucket      string  `json:"spend_bucket"`
	TimeWindow       string  `json:"time_window"`
}

type rankedEntry struct {
	Name  string `json:"name"`
	Count *int64 `json:"count"`
}

type zomatoPreferences struct {
	TopCuisines        []rankedEntry `json:"top_cuisines"`
	FrequentDishes     []rankedEntry `json:"frequent_dishes"`
	PeakOrderingWindow *string       `json:"peak_ordering_window"`
}

type zomatoInsights struct {
	OrderingPattern  *string `json:"ordering_pattern"`
	SpendProfile     string  `json:"spend_profile"`
	CuisineDiversity int     `json:"cuisine_diversity"`
	IdentityVerified bool    `json:"identity_verified"`
}

func ranked(items []extract.RankedItem) []rankedEntry {
	out := make([]rankedEntry, 0, len(items))
	for _, it := range items {
		out = append(out, rankedEntry{Name: it.Name, Count: it.Count})
	}
	return out
}

// avgOrderValue prefers the proof's own figure and otherwise derives it
// from GMV and order count.
func avgOrderValue(r extract.ZomatoRecord) *float64 {
	if r.AvgOrderValue != nil {
		return round2(r.AvgOrderValue)
	}
	if r.TotalGMV == nil || r.TotalOrders == nil || *r.TotalOrders <= 0 {
		return nil
	}
	v := *r.TotalGMV / float64(*r.TotalOrders)
	return round2(&v)
}

func orderingPattern(orders *int64) *string {
	if orders == nil {
		return nil
	}
	var p string
	switch {
	case *orders >= 100:
		p = "frequent"
	case *orders >= 25:
		p = "regular"
	default:
		p = "occasional"
	}
	return &p
}

// Zomato builds the zomato_order_history sellable tree.
func Zomato(v anonymize.ZomatoView, opts Options) (*Output, error) {
	r := v.Record
	q := score([]field{
		{20, present(r.TotalOrders)},
		{20, present(r.TotalGMV)},
		{5, present(r.AvgOrderValue) || (present(r.TotalGMV) && present(r.TotalOrders))},
		{15, present(v.CityCluster)},
		{5, present(r.LifestyleSegment)},
		{5, present(r.FirstOrderDate)},
		{5, present(r.LastOrderDate)},
		{5, present(r.OrderFrequency)},
		{10, len(r.TopCuisines) > 0},
		{5, len(r.FrequentDishes) > 0},
		{5, present(r.PeakOrderingWindow)},
	})

	tree := zomatoTree{
		header: newHeader(model.DataTypeZomato, opts),
		TransactionData: zomatoTransactions{
			TotalOrders:    r.TotalOrders,
			TotalGMV:       round2(r.TotalGMV),
			AvgOrderValue:  avgOrderValue(r),
			Currency:       r.Currency,
			FirstOrderDate: dateString(r.FirstOrderDate),
			LastOrderDate:  dateString(r.LastOrderDate),
			OrderFrequency: r.OrderFrequency,
		},
		AudienceSegment: zomatoAudience{
			CityCluster:      v.CityCluster,
			LifestyleSegment: r.LifestyleSegment,
			SpendBucket:      v.SpendBucket,
			TimeWindow:       v.TimeWindow,
		},
		Preferences: zomatoPreferences{
			TopCuisines:        ranked(r.TopCuisines),
			FrequentDishes:     ranked(r.FrequentDishes),
			PeakOrderingWindow: r.PeakOrderingWindow,
		},
		Cohort:      v.Cohort,
		DataQuality: q,
	}

	insights := zomatoInsights{
		OrderingPattern:  orderingPattern(r.TotalOrders),
		SpendProfile:     v.SpendBucket,
		CuisineDiversity: len(r.TopCuisines),
		IdentityVerified: v.IdentityVerified,
	}
	return finish(tree, insights, q, v.Cohort, opts)
}
