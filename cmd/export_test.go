package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myrad-labs/myrad/internal/resilience"
)

func setExportFlags(t *testing.T, dataType, userID string, limit, offset int, filters ...string) {
	t.Helper()
	prev := []any{exportDataType, exportUserID, exportStartDate, exportEndDate, exportLimit, exportOffset, exportFilters}
	t.Cleanup(func() {
		exportDataType = prev[0].(string)
		exportUserID = prev[1].(string)
		exportStartDate = prev[2].(string)
		exportEndDate = prev[3].(string)
		exportLimit = prev[4].(int)
		exportOffset = prev[5].(int)
		exportFilters = prev[6].([]string)
	})
	exportDataType, exportUserID = dataType, userID
	exportStartDate, exportEndDate = "", ""
	exportLimit, exportOffset = limit, offset
	exportFilters = filters
}

func TestExportQuery(t *testing.T) {
	setExportFlags(t, "zomato_order_history", "u-1", 50, 10, "minOrders=10", " cityTier = tier1_metro ")

	values, err := exportQuery()
	require.NoError(t, err)
	assert.Equal(t, "zomato_order_history", values.Get("dataType"))
	assert.Equal(t, "u-1", values.Get("userId"))
	assert.Equal(t, "50", values.Get("limit"))
	assert.Equal(t, "10", values.Get("offset"))
	assert.Equal(t, "10", values.Get("minOrders"))
	assert.Equal(t, "tier1_metro", values.Get("cityTier"))
	assert.False(t, values.Has("startDate"))
}

func TestExportQuery_Malformed(t *testing.T) {
	for _, filters := range [][]string{{"minOrders"}, {"=10"}, {"minOrders=1", "minOrders=2"}, {"dataType=github_profile"}} {
		setExportFlags(t, "zomato_order_history", "", 0, 0, filters...)
		_, err := exportQuery()
		assert.True(t, resilience.IsMalformed(err), "%v", filters)
	}
}
