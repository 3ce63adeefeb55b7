package amplicon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParamsValid(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
		want   []string
	}{
		{
			name:   "negative trim",
			mutate: func(p *Params) { p.TrimLeftForward = -1 },
			want:   []string{"trim_left_forward must be >= 0"},
		},
		{
			name:   "trim not shorter than trunc",
			mutate: func(p *Params) { p.TrimLeftReverse = 200 },
			want:   []string{"trim_left_reverse (200) must be shorter than trunc_len_reverse (200)"},
		},
		{
			name:   "trunc disabled allows any trim",
			mutate: func(p *Params) { p.TruncLenForward = 0; p.TrimLeftForward = 300 },
		},
		{
			name:   "error rate out of range",
			mutate: func(p *Params) { p.ErrorRate = 1 },
			want:   []string{"error_rate must be in [0, 1)"},
		},
		{
			name:   "bad levels",
			mutate: func(p *Params) { p.TaxonomicLevels = []int{0, 3, 3, 8} },
			want: []string{
				"taxonomic level 0 out of range",
				"taxonomic level 3 listed twice",
				"taxonomic level 8 out of range",
			},
		},
		{
			name:   "no levels",
			mutate: func(p *Params) { p.TaxonomicLevels = nil },
			want:   []string{"taxonomic_levels must not be empty"},
		},
		{
			name:   "no excluded taxa",
			mutate: func(p *Params) { p.ExcludeTaxa = nil },
		},
		{
			name:   "taxon with comma",
			mutate: func(p *Params) { p.ExcludeTaxa = []string{"a,b"} },
			want:   []string{`invalid taxon "a,b"`},
		},
		{
			name: "errors are collected",
			mutate: func(p *Params) {
				p.Threads = -2
				p.TaxonomicLevels = nil
			},
			want: []string{"threads must be >= 0", "taxonomic_levels must not be empty"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			err := p.Validate()
			if len(tt.want) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestParamsLevelsSorted(t *testing.T) {
	p := Params{TaxonomicLevels: []int{6, 2, 4}}
	assert.Equal(t, []int{2, 4, 6}, p.Levels())
	assert.Equal(t, []int{6, 2, 4}, p.TaxonomicLevels)
}
