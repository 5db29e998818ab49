package graph

import "sort"

func sortStrings(s []string) {
	sort.Strings(s)
}

func sortInt64s(s []int64) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}
