package cpu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticSource is a test double for Source.
type staticSource struct {
	physical, logical int
	siblings          map[int]string
	pcores, ecores    []int
	err               error
}

func (s staticSource) Counts(logical bool) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if logical {
		return s.logical, nil
	}
	return s.physical, nil
}

func (s staticSource) Siblings() (map[int]string, error) { return s.siblings, nil }

func (s staticSource) HybridSets() ([]int, []int, error) { return s.pcores, s.ecores, nil }

func uniformTopology(t *testing.T, n int) *Topology {
	t.Helper()
	topo, err := NewDetectorWithSource(staticSource{physical: n, logical: n}).Detect()
	require.NoError(t, err)
	return topo
}

func TestDetect_NonHybridWithoutLayout(t *testing.T) {
	topo, err := NewDetectorWithSource(staticSource{physical: 4, logical: 8}).Detect()
	require.NoError(t, err)

	assert.Equal(t, 4, topo.PhysicalCores)
	assert.Equal(t, 8, topo.LogicalCores)
	assert.False(t, topo.IsHybrid)
	require.Len(t, topo.Cores, 4)
	assert.Equal(t, []int{0, 1}, topo.Cores[0].LogicalIDs)
	assert.Equal(t, []int{6, 7}, topo.Cores[3].LogicalIDs)
	for _, c := range topo.Cores {
		assert.Equal(t, CoreStandard, c.Type)
	}
}

func TestDetect_GroupsSiblings(t *testing.T) {
	// Linux numbering: HT siblings are n and n+4.
	src := staticSource{
		physical: 4,
		logical:  8,
		siblings: map[int]string{
			0: "0/0", 1: "0/1", 2: "0/2", 3: "0/3",
			4: "0/0", 5: "0/1", 6: "0/2", 7: "0/3",
		},
	}
	topo, err := NewDetectorWithSource(src).Detect()
	require.NoError(t, err)

	require.Len(t, topo.Cores, 4)
	assert.Equal(t, []int{0, 4}, topo.Cores[0].LogicalIDs)
	assert.Equal(t, []int{3, 7}, topo.Cores[3].LogicalIDs)
}

func TestDetect_Hybrid(t *testing.T) {
	src := staticSource{
		physical: 6,
		logical:  6,
		pcores:   []int{0, 1},
		ecores:   []int{2, 3, 4, 5},
	}
	topo, err := NewDetectorWithSource(src).Detect()
	require.NoError(t, err)

	assert.True(t, topo.IsHybrid)
	assert.Equal(t, []int{0, 1}, topo.PerformanceCores())
	assert.Equal(t, []int{2, 3, 4, 5}, topo.EfficiencyCores())
	assert.Equal(t, []int{0, 1}, topo.LogicalIDs(CorePerformance))
	assert.Equal(t, CoreEfficiency, topo.CoreTypeOf(5))
}

func TestDetect_IsIdempotent(t *testing.T) {
	d := NewDetectorWithSource(staticSource{physical: 2, logical: 4})
	a, err := d.Detect()
	require.NoError(t, err)
	b, err := d.Detect()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDetect_SourceError(t *testing.T) {
	_, err := NewDetectorWithSource(staticSource{err: errors.New("boom")}).Detect()
	assert.Error(t, err)
}

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "0-3", want: []int{0, 1, 2, 3}},
		{in: "0-1,4,6-7", want: []int{0, 1, 4, 6, 7}},
		{in: "x", wantErr: true},
		{in: "3-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCPUList(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
