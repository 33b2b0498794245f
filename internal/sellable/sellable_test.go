package sellable

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/myrad-labs/myrad/internal/anonymize"
	"github.com/myrad-labs/myrad/internal/extract"
)

func ptr[T any](v T) *T { return &v }

var fixedOpts = Options{
	SchemaVersion: "zomato_order_history.v1",
	GeneratedAt:   time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC),
}

func fullZomato() extract.ZomatoRecord {
	first := time.Date(2023, 1, 4, 0, 0, 0, 0, time.UTC)
	last := time.Date(2024, 8, 20, 0, 0, 0, 0, time.UTC)
	return extract.ZomatoRecord{
		Identity:           extract.Identity{Name: "Priya Sharma", Email: "priya@example.com"},
		TotalOrders:        ptr[int64](42),
		TotalGMV:           ptr(1530.50),
		Currency:           ptr("INR"),
		City:               ptr("Mumbai"),
		Locality:           ptr("Bandra West"),
		FirstOrderDate:     &first,
		LastOrderDate:      &last,
		OrderFrequency:     ptr("weekly"),
		LifestyleSegment:   ptr("Urban Professional"),
		PeakOrderingWindow: ptr("dinner"),
		TopCuisines:        []extract.RankedItem{{Name: "North Indian", Count: ptr[int64](12)}, {Name: "Chinese"}},
		FrequentDishes:     []extract.RankedItem{{Name: "Biryani", Count: ptr[int64](7)}},
	}
}

func TestZomato_Deterministic(t *testing.T) {
	v := anonymize.Zomato(fullZomato(), 10)
	a, err := Zomato(v, fixedOpts)
	require.NoError(t, err)
	b, err := Zomato(v, fixedOpts)
	require.NoError(t, err)

	assert.JSONEq(t, string(a.SellableData), string(b.SellableData))
	assert.JSONEq(t, string(a.Metadata), string(b.Metadata))
}

func TestZomato_Shape(t *testing.T) {
	out, err := Zomato(anonymize.Zomato(fullZomato(), 10), fixedOpts)
	require.NoError(t, err)

	doc := gjson.ParseBytes(out.SellableData)
	assert.Equal(t, "zomato_order_history.v1", doc.Get("schema_version").String())
	assert.Equal(t, "zomato_order_history", doc.Get("data_type").String())
	assert.Equal(t, "2024-09-01T12:00:00Z", doc.Get("generated_at").String())
	assert.Equal(t, int64(42), doc.Get("transaction_data.total_orders").Int())
	assert.InDelta(t, 1530.50, doc.Get("transaction_data.total_gmv").Float(), 0.001)
	assert.InDelta(t, 36.44, doc.Get("transaction_data.avg_order_value").Float(), 0.001)
	assert.Equal(t, "2024-08-20", doc.Get("transaction_data.last_order_date").String())
	assert.Equal(t, "tier1_metro", doc.Get("audience_segment.city_cluster").String())
	assert.Equal(t, "500_2k", doc.Get("audience_segment.spend_bucket").String())
	assert.Equal(t, "North Indian", doc.Get("preferences.top_cuisines.0.name").String())
	assert.True(t, doc.Get("preferences.top_cuisines.1.count").Type == gjson.Null)
	assert.Equal(t, out.Cohort.CohortID, doc.Get("cohort.cohort_id").String())
	assert.Equal(t, int64(100), doc.Get("data_quality.score").Int())
	assert.Equal(t, "0-100", doc.Get("data_quality.scale").String())

	meta := gjson.ParseBytes(out.Metadata)
	assert.Equal(t, "regular", meta.Get("behavioral_insights.ordering_pattern").String())
	assert.True(t, meta.Get("behavioral_insights.identity_verified").Bool())
	assert.Equal(t, "zomato_order_history.v1", meta.Get("data_quality.schema_version").String())
}

func TestZomato_NoPIIInOutput(t *testing.T) {
	out, err := Zomato(anonymize.Zomato(fullZomato(), 10), fixedOpts)
	require.NoError(t, err)

	body := string(out.SellableData) + string(out.Metadata)
	for _, s := range []string{"Priya", "priya@example.com", "Mumbai", "Bandra"} {
		assert.NotContains(t, body, s)
	}
}

func TestZomato_EmptyArraysSerialize(t *testing.T) {
	out, err := Zomato(anonymize.Zomato(extract.ZomatoRecord{TotalOrders: ptr[int64](3)}, 10), fixedOpts)
	require.NoError(t, err)

	doc := gjson.ParseBytes(out.SellableData)
	assert.Equal(t, "[]", doc.Get("preferences.top_cuisines").Raw)
	assert.Equal(t, gjson.Null, doc.Get("audience_segment.city_cluster").Type)
	assert.Equal(t, gjson.Null, doc.Get("transaction_data.avg_order_value").Type)
}

func TestQuality_Monotone(t *testing.T) {
	full := fullZomato()
	base, err := Zomato(anonymize.Zomato(full, 10), fixedOpts)
	require.NoError(t, err)

	drops := map[string]func(r *extract.ZomatoRecord){
		"city":       func(r *extract.ZomatoRecord) { r.City = nil },
		"cuisines":   func(r *extract.ZomatoRecord) { r.TopCuisines = nil },
		"gmv":        func(r *extract.ZomatoRecord) { r.TotalGMV = nil },
		"last order": func(r *extract.ZomatoRecord) { r.LastOrderDate = nil },
		"lifestyle":  func(r *extract.ZomatoRecord) { r.LifestyleSegment = nil },
	}
	for name, drop := range drops {
		t.Run(name, func(t *testing.T) {
			r := fullZomato()
			drop(&r)
			out, err := Zomato(anonymize.Zomato(r, 10), fixedOpts)
			require.NoError(t, err)
			assert.Less(t, out.Quality.Score, base.Quality.Score)
			assert.LessOrEqual(t, out.Quality.Completeness, base.Quality.Completeness)
		})
	}
}

func TestScore(t *testing.T) {
	q := score([]field{{50, true}, {30, false}, {20, true}})
	assert.Equal(t, 70, q.Score)
	assert.InDelta(t, 0.67, q.Completeness, 0.001)
	assert.Equal(t, QualityScale, q.Scale)

	empty := score(nil)
	assert.Equal(t, 0, empty.Score)
}

func TestGitHub_Build(t *testing.T) {
	created := time.Date(2017, 3, 9, 0, 0, 0, 0, time.UTC)
	rec := extract.GitHubRecord{
		Identity:              extract.Identity{Username: "octocat", Email: "octo@example.com"},
		Followers:             ptr[int64](250),
		PublicRepos:           ptr[int64](31),
		ContributionsLastYear: ptr[int64](640),
		AccountCreatedAt:      &created,
		Languages:             []extract.LanguageShare{{Name: "Go", Percentage: ptr(61.234)}, {Name: "Python"}},
		EngagementTier:        ptr("high"),
	}
	opts := Options{SchemaVersion: "github_profile.v1", GeneratedAt: fixedOpts.GeneratedAt}
	out, err := GitHub(anonymize.GitHub(rec, 10), opts)
	require.NoError(t, err)

	doc := gjson.ParseBytes(out.SellableData)
	assert.Equal(t, int64(250), doc.Get("developer_profile.followers").Int())
	assert.Equal(t, int64(2017), doc.Get("developer_profile.account_created_year").Int())
	assert.Equal(t, "Go", doc.Get("technical_profile.primary_language").String())
	assert.InDelta(t, 61.23, doc.Get("technical_profile.top_languages.0.percentage").Float(), 0.001)
	assert.Equal(t, "100_999", doc.Get("audience_segment.follower_bucket").String())
	assert.Equal(t, "very_active", gjson.GetBytes(out.Metadata, "behavioral_insights.activity_level").String())
	assert.NotContains(t, string(out.SellableData), "octocat")
	assert.Less(t, out.Quality.Score, 100)
}

func TestNetflix_Build(t *testing.T) {
	rec := extract.NetflixRecord{
		Identity:         extract.Identity{Name: "Rahul"},
		TotalTitles:      ptr[int64](120),
		TotalWatchHours:  ptr(845.5),
		BingeScore:       ptr(72.0),
		SubscriptionTier: ptr("Premium"),
		TopGenres:        []extract.RankedItem{{Name: "Thriller", Count: ptr[int64](40)}},
		PeakViewingHour:  ptr[int64](22),
	}
	opts := Options{SchemaVersion: "netflix_watch_history.v1", GeneratedAt: fixedOpts.GeneratedAt}
	out, err := Netflix(anonymize.Netflix(rec, 10), opts)
	require.NoError(t, err)

	doc := gjson.ParseBytes(out.SellableData)
	assert.Equal(t, int64(120), doc.Get("viewing_summary.total_titles").Int())
	assert.Equal(t, "Thriller", doc.Get("content_preferences.top_genres.0.genre").String())
	assert.Equal(t, "500h_plus", doc.Get("audience_segment.watch_hour_bucket").String())
	assert.Equal(t, int64(22), doc.Get("engagement_metrics.peak_viewing_hour").Int())

	var meta map[string]any
	require.NoError(t, json.Unmarshal(out.Metadata, &meta))
	insights := meta["behavioral_insights"].(map[string]any)
	assert.Equal(t, "binge_watcher", insights["viewer_type"])
	assert.InDelta(t, 7.05, insights["avg_hours_per_title"].(float64), 0.001)
	assert.False(t, strings.Contains(string(out.SellableData), "Rahul"))
}
