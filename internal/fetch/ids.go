package fetch

import (
	"slices"
	"strconv"
	"strings"
)

// compareIDs orders identifiers numerically when both are integers and
// lexically otherwise. Task collections hand out increasing integer ids.
func compareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func sortIDs(ids []string) {
	slices.SortFunc(ids, compareIDs)
}
