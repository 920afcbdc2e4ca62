package utils

import (
	"flag"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var GivenFlags map[string]*flag.Flag

// call flag.Parse() and assign given flags to GivenFlags.
func ParseFlags() {
	flag.Parse()

	GivenFlags = make(map[string]*flag.Flag)
	flag.Visit(func(f *flag.Flag) {
		GivenFlags[f.Name] = f
	})
}

func GetMapSortedKeySlice[K constraints.Ordered, V any](theMap map[K]V) []K {
	result := maps.Keys(theMap)
	slices.Sort(result)
	return result
}
