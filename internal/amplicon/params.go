// Package amplicon defines the paired-end amplicon workflow: its tunable
// parameters, the external tools it calls, the sample metadata it reads and
// the ordered stage list that turns raw reads into per-level taxonomy tables.
package amplicon

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Params are the per-dataset tunables. They only change argument values;
// the stage wiring is fixed by Build.
type Params struct {
	TrimLeftForward int `yaml:"trim_left_forward" toml:"trim_left_forward" json:"trim_left_forward"`
	TrimLeftReverse int `yaml:"trim_left_reverse" toml:"trim_left_reverse" json:"trim_left_reverse"`
	// Truncation lengths follow DADA2: 0 disables truncation.
	TruncLenForward int `yaml:"trunc_len_forward" toml:"trunc_len_forward" json:"trunc_len_forward"`
	TruncLenReverse int `yaml:"trunc_len_reverse" toml:"trunc_len_reverse" json:"trunc_len_reverse"`

	TaxonomicLevels []int    `yaml:"taxonomic_levels" toml:"taxonomic_levels" json:"taxonomic_levels"`
	ExcludeTaxa     []string `yaml:"exclude_taxa" toml:"exclude_taxa" json:"exclude_taxa"`

	// ErrorRate is the maximum barcode mismatch rate for demultiplexing.
	ErrorRate float64 `yaml:"error_rate" toml:"error_rate" json:"error_rate"`
	// MinOverlap is the minimum barcode overlap, in bases.
	MinOverlap int `yaml:"min_overlap" toml:"min_overlap" json:"min_overlap"`
	// Threads for the tools that accept it (0 = all cores).
	Threads int `yaml:"threads" toml:"threads" json:"threads"`
}

// DefaultParams returns the parameters the workflow was tuned with.
func DefaultParams() Params {
	return Params{
		TrimLeftForward: 0,
		TrimLeftReverse: 0,
		TruncLenForward: 240,
		TruncLenReverse: 200,
		TaxonomicLevels: []int{2, 3, 4, 5, 6, 7},
		ExcludeTaxa:     []string{"mitochondria", "chloroplast"},
		ErrorRate:       0.15,
		MinOverlap:      3,
		Threads:         0,
	}
}

// Validate reports every invalid field at once.
func (p Params) Validate() error {
	var errs []error
	nonNegative := func(name string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0, got %d", name, v))
		}
	}
	nonNegative("trim_left_forward", p.TrimLeftForward)
	nonNegative("trim_left_reverse", p.TrimLeftReverse)
	nonNegative("trunc_len_forward", p.TruncLenForward)
	nonNegative("trunc_len_reverse", p.TruncLenReverse)
	nonNegative("threads", p.Threads)
	nonNegative("min_overlap", p.MinOverlap)

	if p.TruncLenForward > 0 && p.TrimLeftForward >= p.TruncLenForward {
		errs = append(errs, fmt.Errorf("trim_left_forward (%d) must be shorter than trunc_len_forward (%d)", p.TrimLeftForward, p.TruncLenForward))
	}
	if p.TruncLenReverse > 0 && p.TrimLeftReverse >= p.TruncLenReverse {
		errs = append(errs, fmt.Errorf("trim_left_reverse (%d) must be shorter than trunc_len_reverse (%d)", p.TrimLeftReverse, p.TruncLenReverse))
	}
	if p.ErrorRate < 0 || p.ErrorRate >= 1 {
		errs = append(errs, fmt.Errorf("error_rate must be in [0, 1), got %g", p.ErrorRate))
	}

	if len(p.TaxonomicLevels) == 0 {
		errs = append(errs, errors.New("taxonomic_levels must not be empty"))
	}
	seen := make(map[int]bool, len(p.TaxonomicLevels))
	for _, lvl := range p.TaxonomicLevels {
		if lvl < 1 || lvl > 7 {
			errs = append(errs, fmt.Errorf("taxonomic level %d out of range 1..7", lvl))
		}
		if seen[lvl] {
			errs = append(errs, fmt.Errorf("taxonomic level %d listed twice", lvl))
		}
		seen[lvl] = true
	}

	for _, taxon := range p.ExcludeTaxa {
		if strings.TrimSpace(taxon) == "" || strings.Contains(taxon, ",") {
			errs = append(errs, fmt.Errorf("invalid taxon %q", taxon))
		}
	}
	return errors.Join(errs...)
}

// Levels returns the taxonomic levels in ascending order.
func (p Params) Levels() []int {
	levels := append([]int(nil), p.TaxonomicLevels...)
	sort.Ints(levels)
	return levels
}
