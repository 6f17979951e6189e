package stats

import (
	"sort"
	"strconv"
	"strings"

	"github.com/Sternrassler/ci-insights/pkg/model"
)

// GroupByWeekBucket partitions runs by their stored week key. Runs keep
// their input order within a bucket.
func GroupByWeekBucket(runs []model.CanonicalRun) map[string][]model.CanonicalRun {
	out := make(map[string][]model.CanonicalRun)
	for _, r := range runs {
		out[r.WeekYear] = append(out[r.WeekYear], r)
	}
	return out
}

// bucketOrdinal reads "<year>_<week>" as year*100+week, so "2024_9" and
// "2024_09" compare equal and both sort before "2024_10".
func bucketOrdinal(key string) (int, bool) {
	year, week, ok := strings.Cut(key, "_")
	if !ok {
		return 0, false
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return 0, false
	}
	w, err := strconv.Atoi(week)
	if err != nil || w < 0 || w > 99 {
		return 0, false
	}
	return y*100 + w, true
}

// SortBucketKeysDescending returns the week keys newest first. Keys that
// do not parse go last, in reverse lexical order.
func SortBucketKeysDescending(keys []string) []string {
	out := make([]string, len(keys))
	copy(out, keys)
	sort.SliceStable(out, func(i, j int) bool {
		a, aok := bucketOrdinal(out[i])
		b, bok := bucketOrdinal(out[j])
		switch {
		case aok && bok:
			return a > b
		case aok != bok:
			return aok
		default:
			return out[i] > out[j]
		}
	})
	return out
}
