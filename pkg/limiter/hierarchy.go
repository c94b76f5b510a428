package limiter

import "github.com/3scale/cache-filter/pkg/domain"

// ExpandHierarchy is a pure map transformation: for each parent metric in
// hierarchy whose children include a key present in metrics, the child's
// hits are added to the parent's counter. metrics is not mutated; a new
// map is returned.
func ExpandHierarchy(metrics map[string]int64, hierarchy domain.Hierarchy) map[string]int64 {
	expanded := make(map[string]int64, len(metrics))
	for metric, hits := range metrics {
		expanded[metric] = hits
	}

	for parent, children := range hierarchy {
		var childSum int64
		var anyChildPresent bool
		for _, child := range children {
			if hits, ok := metrics[child]; ok {
				childSum += hits
				anyChildPresent = true
			}
		}
		if anyChildPresent {
			expanded[parent] += childSum
		}
	}

	return expanded
}
