package perfscript

import (
	"sort"

	"github.com/google/pprof/profile"
)

// FunctionCount is the flat sample count of a function.
type FunctionCount struct {
	Name  string  `json:"name"`
	Flat  int64   `json:"flat"`
	Share float64 `json:"share"`
}

// Summary condenses a profile into its hottest functions.
type Summary struct {
	Event        string          `json:"event"`
	Total        int64           `json:"total"`
	Samples      int             `json:"samples"`
	TopFunctions []FunctionCount `json:"top_functions"`
}

// Summarize returns the n functions with the most flat samples of the first
// sample type of prof.
func Summarize(prof *profile.Profile, n int) Summary {
	var s Summary
	s.Samples = len(prof.Sample)
	if len(prof.SampleType) == 0 {
		return s
	}
	s.Event = prof.SampleType[0].Type

	flat := make(map[string]int64)
	for _, sample := range prof.Sample {
		v := sample.Value[0]
		s.Total += v
		if len(sample.Location) == 0 || len(sample.Location[0].Line) == 0 {
			continue
		}
		flat[sample.Location[0].Line[0].Function.Name] += v
	}

	for name, count := range flat {
		if count == 0 {
			continue
		}
		s.TopFunctions = append(s.TopFunctions, FunctionCount{Name: name, Flat: count})
	}
	sort.Slice(s.TopFunctions, func(i, j int) bool {
		if s.TopFunctions[i].Flat != s.TopFunctions[j].Flat {
			return s.TopFunctions[i].Flat > s.TopFunctions[j].Flat
		}
		return s.TopFunctions[i].Name < s.TopFunctions[j].Name
	})
	if len(s.TopFunctions) > n {
		s.TopFunctions = s.TopFunctions[:n]
	}
	for i := range s.TopFunctions {
		s.TopFunctions[i].Share = float64(s.TopFunctions[i].Flat) / float64(s.Total)
	}
	return s
}
