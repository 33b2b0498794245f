package sellable

import (
	"github.com/myrad-labs/myrad/internal/anonymize"
	"github.com/myrad-labs/myrad/internal/model"
)

type netflixTree struct {
	header
	ViewingSummary     netflixSummary         `json:"viewing_summary"`
	EngagementMetrics  netflixEngagement      `json:"engagement_metrics"`
	ContentPreferences netflixPreferences     `json:"content_preferences"`
	AudienceSegment    netflixAudience        `json:"audience_segment"`
	Cohort             model.CohortAssignment `json:"cohort"`
	DataQuality        DataQuality            `json:"data_quality"`
}

type netflixSummary struct {
	TotalTitles     *int64   `json:"total_titles"`
	TotalWatchHours *float64 `json:"total_watch_hours"`
	FirstWatchDate  *string  `json:"first_watch_date"`
	LastWatchDate   *string  `json:"last_watch_date"`
}

type netflixEngagement struct {
	BingeScore      *float64 `json:"binge_score"`
	PeakViewingDay  *string  `json:"peak_viewing_day"`
	PeakViewingHour *int64   `json:"peak_viewing_hour"`
}

type genreEntry struct {
	Genre string `json:"genre"`
	Count *int64 `json:"count"`
}

type netflixPreferences struct {
	TopGenres []genreEntry `json:"top_genres"`
	TopGenre  *string      `json:"top_genre"`
}

type netflixAudience struct {
	SubscriptionTier *string `json:"subscription_tier"`
	EngagementTier   *string `json:"engagement_tier"`
	WatchHourBucket  string  `json:"watch_hour_bucket"`
	TimeWindow       string  `json:"time_window"`
}

type netflixInsights struct {
	ViewerType       *string  `json:"viewer_type"`
	GenreDiversity   int      `json:"genre_diversity"`
	AvgHoursPerTitle *float64 `json:"avg_hours_per_title"`
	IdentityVerified bool     `json:"identity_verified"`
}

func viewerType(binge *float64) *string {
	if binge == nil {
		return nil
	}
	var t string
	switch {
	case *binge >= 70:
		t = "binge_watcher"
	case *binge >= 40:
		t = "regular_viewer"
	default:
		t = "casual_viewer"
	}
	return &t
}

// Netflix builds the netflix_watch_history sellable tree.
func Netflix(v anonymize.NetflixView, opts Options) (*Output, error) {
	r := v.Record
	q := score([]field{
		{20, present(r.TotalTitles)},
		{20, present(r.TotalWatchHours)},
		{10, present(r.BingeScore)},
		{10, present(r.SubscriptionTier)},
		{5, present(r.EngagementTier)},
		{15, len(r.TopGenres) > 0},
		{5, present(r.FirstWatchDate)},
		{5, present(r.LastWatchDate)},
		{5, present(r.PeakViewingDay)},
		{5, present(r.PeakViewingHour)},
	})

	genres := make([]genreEntry, 0, len(r.TopGenres))
	for _, g := range r.TopGenres {
		genres = append(genres, genreEntry{Genre: g.Name, Count: g.Count})
	}

	var perTitle *float64
	if r.TotalWatchHours != nil && r.TotalTitles != nil && *r.TotalTitles > 0 {
		h := *r.TotalWatchHours / float64(*r.TotalTitles)
		perTitle = round2(&h)
	}

	tree := netflixTree{
		header: newHeader(model.DataTypeNetflix, opts),
		ViewingSummary: netflixSummary{
			TotalTitles:     r.TotalTitles,
			TotalWatchHours: round2(r.TotalWatchHours),
			FirstWatchDate:  dateString(r.FirstWatchDate),
			LastWatchDate:   dateString(r.LastWatchDate),
		},
		EngagementMetrics: netflixEngagement{
			BingeScore:      round2(r.BingeScore),
			PeakViewingDay:  r.PeakViewingDay,
			PeakViewingHour: r.PeakViewingHour,
		},
		ContentPreferences: netflixPreferences{
			TopGenres: genres,
			TopGenre:  v.TopGenre,
		},
		AudienceSegment: netflixAudience{
			SubscriptionTier: r.SubscriptionTier,
			EngagementTier:   r.EngagementTier,
			WatchHourBucket:  v.WatchHourBucket,
			TimeWindow:       v.TimeWindow,
		},
		Cohort:      v.Cohort,
		DataQuality: q,
	}

	insights := netflixInsights{
		ViewerType:       viewerType(r.BingeScore),
		GenreDiversity:   len(r.TopGenres),
		AvgHoursPerTitle: perTitle,
		IdentityVerified: v.IdentityVerified,
	}
	return finish(tree, insights, q, v.Cohort, opts)
}
