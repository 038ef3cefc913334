package mushroom

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Four rows in the real file's format: class followed by 22 attributes.
const sampleCSV = `p,x,s,n,t,p,f,c,n,k,e,e,s,s,w,w,p,w,o,p,k,s,u
e,x,s,y,t,a,f,c,b,k,e,c,s,s,w,w,p,w,o,p,n,n,g
e,b,s,w,t,l,f,c,b,n,e,c,s,s,w,w,p,w,o,p,n,n,m
p,x,y,w,t,p,f,c,n,n,e,e,s,s,w,w,p,w,o,p,k,s,u
`

func TestDecode(t *testing.T) {
	d, err := Decode(sampleCSV)
	require.NoError(t, err)
	require.Equal(t, 4, d.NumExamples())

	// One distinct-value count per attribute, e.g. cap-shape has {x, b},
	// odor has {p, a, l}, veil-type collapses to a single constant category.
	want := 0
	for _, col := range [][]string{
		{"x", "b"}, {"s", "y"}, {"n", "y", "w"}, {"t"}, {"p", "a", "l"},
		{"f"}, {"c"}, {"n", "b"}, {"k", "n"}, {"e"}, {"e", "c"},
		{"s"}, {"s"}, {"w"}, {"w"}, {"p"}, {"w"}, {"o"}, {"p"},
		{"k", "n"}, {"s", "n"}, {"u", "g", "m"},
	} {
		want += len(col)
	}
	require.Equal(t, want, d.NumFeatures())

	assert.False(t, d.Edible(0))
	assert.True(t, d.Edible(1))
	assert.True(t, d.Edible(2))
	assert.False(t, d.Edible(3))

	// Every context is one-hot per attribute: exactly 22 ones.
	for i := 0; i < d.NumExamples(); i++ {
		ctx := d.Context(i)
		require.Len(t, ctx, d.NumFeatures())
		ones := 0.0
		for _, v := range ctx {
			require.Contains(t, []float64{0, 1}, v)
			ones += v
		}
		require.Equal(t, 22.0, ones, "example %d", i)
	}

	// Identical attributes encode identically: rows 0 and 3 share cap-shape
	// "x", so their cap-shape blocks match; rows 0 and 2 differ.
	require.Equal(t, d.Context(0)[0:2], d.Context(3)[0:2])
	require.NotEqual(t, d.Context(0)[0:2], d.Context(2)[0:2])
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := Decode("")
	require.Error(t, err)

	// Wrong class value.
	bad := strings.Replace(sampleCSV, "p,x,s,n", "z,x,s,n", 1)
	_, err = Decode(bad)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid class")
}

func TestEnvRewards(t *testing.T) {
	d, err := Decode(sampleCSV)
	require.NoError(t, err)
	env := NewEnv(d, 42)

	const edibleRow, poisonousRow = 1, 0

	// Skipping and eating edible mushrooms are deterministic.
	for i := 0; i < 10; i++ {
		assert.Equal(t, RewardSkip, env.Reward(poisonousRow, false))
		assert.Equal(t, RewardEat, env.Reward(edibleRow, true))
	}

	// Eating poisonous ones hits both outcomes.
	seen := map[float64]int{}
	for i := 0; i < 200; i++ {
		seen[env.Reward(poisonousRow, true)]++
	}
	require.Len(t, seen, 2)
	require.Greater(t, seen[RewardEat], 0)
	require.Greater(t, seen[RewardPoisoned], 0)

	assert.Equal(t, -15.0, env.ExpectedReward(poisonousRow, true))
	assert.Equal(t, 5.0, env.ExpectedReward(edibleRow, true))

	// Oracle eats edible, skips poisonous.
	assert.True(t, env.OracleEats(edibleRow))
	assert.False(t, env.OracleEats(poisonousRow))
	assert.Equal(t, 5.0, env.OracleReward(edibleRow))
	assert.Equal(t, 0.0, env.OracleReward(poisonousRow))

	// Regret: correct actions cost nothing, mistakes cost the gap.
	assert.Equal(t, 0.0, env.Regret(edibleRow, true))
	assert.Equal(t, 5.0, env.Regret(edibleRow, false))
	assert.Equal(t, 0.0, env.Regret(poisonousRow, false))
	assert.Equal(t, 15.0, env.Regret(poisonousRow, true))
}

func TestEnvDrawCoversDataset(t *testing.T) {
	d, err := Decode(sampleCSV)
	require.NoError(t, err)
	env := NewEnv(d, 7)

	seen := map[int]bool{}
	for i := 0; i < 100; i++ {
		idx := env.Draw()
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, d.NumExamples())
		seen[idx] = true
	}
	require.Len(t, seen, d.NumExamples())
}
