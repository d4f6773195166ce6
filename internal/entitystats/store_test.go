package entitystats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAgeBucketsFreshKillHitsAllWindows(t *testing.T) {
	buckets := ageBuckets(time.Hour)
	assert.ElementsMatch(t, []time.Duration{windowAll, window90d, window30d, window14d}, buckets)
}

func TestAgeBucketsOldKillOnlyHitsAll(t *testing.T) {
	buckets := ageBuckets(200 * 24 * time.Hour)
	assert.Equal(t, []time.Duration{windowAll}, buckets)
}

func TestAgeBucketsBetween30And90Days(t *testing.T) {
	buckets := ageBuckets(45 * 24 * time.Hour)
	assert.ElementsMatch(t, []time.Duration{windowAll, window90d}, buckets)
}

func TestAgeBucketsBetween14And30Days(t *testing.T) {
	buckets := ageBuckets(20 * 24 * time.Hour)
	assert.ElementsMatch(t, []time.Duration{windowAll, window90d, window30d}, buckets)
}
