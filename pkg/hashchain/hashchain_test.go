package hashchain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordic-institute/X-Road-sub019/pkg/digest"
)

func inputs(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = digest.SHA256.Sum([]byte(fmt.Sprintf("signature-%d", i)))
	}
	return out
}

func build(t *testing.T, in [][]byte) *Builder {
	t.Helper()
	b := NewBuilder(digest.SHA256)
	for _, h := range in {
		require.NoError(t, b.Add(h))
	}
	require.NoError(t, b.Finish())
	return b
}

func TestBuilder_TwoInputs(t *testing.T) {
	in := inputs(2)
	b := build(t, in)

	root, err := b.Root()
	require.NoError(t, err)
	assert.Equal(t, digest.SHA256.Sum(in[0], in[1]), root)

	steps, err := b.Steps(0)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, Right, steps[0].Position)
	assert.Equal(t, in[1], steps[0].Digest)
}

func TestBuilder_OddInputsPromoteOrphan(t *testing.T) {
	in := inputs(3)
	b := build(t, in)

	root, err := b.Root()
	require.NoError(t, err)
	want := digest.SHA256.Sum(digest.SHA256.Sum(in[0], in[1]), in[2])
	assert.Equal(t, want, root)

	steps, err := b.Steps(2)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, Left, steps[0].Position)
}

func TestVerify_AllInputs(t *testing.T) {
	for _, n := range []int{1, 2, 5, 8, 13} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			in := inputs(n)
			b := build(t, in)

			result, err := b.ResultXML()
			require.NoError(t, err)
			chains, err := b.ChainsXML()
			require.NoError(t, err)
			require.Len(t, chains, n)

			for i := range in {
				assert.NoError(t, Verify(result, chains[i], in[i]), "input %d", i)
			}
		})
	}
}

func TestVerify_WrongInput(t *testing.T) {
	in := inputs(4)
	b := build(t, in)
	result, err := b.ResultXML()
	require.NoError(t, err)
	chain, err := b.ChainXML(1)
	require.NoError(t, err)

	err = Verify(result, chain, in[2])
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestBuilder_Lifecycle(t *testing.T) {
	b := NewBuilder(digest.SHA256)
	assert.ErrorIs(t, b.Finish(), ErrEmpty)

	_, err := b.Root()
	assert.ErrorIs(t, err, ErrNotFinished)

	require.NoError(t, b.Add([]byte{1}))
	require.NoError(t, b.Finish())
	assert.ErrorIs(t, b.Add([]byte{2}), ErrFinished)

	_, err = b.Steps(5)
	assert.Error(t, err)
}

func TestParseResult(t *testing.T) {
	b := build(t, inputs(2))
	result, err := b.ResultXML()
	require.NoError(t, err)
	assert.Contains(t, result, "hc:HashChainResult")

	alg, root, err := ParseResult(result)
	require.NoError(t, err)
	assert.Equal(t, digest.SHA256.Name, alg.Name)
	want, _ := b.Root()
	assert.Equal(t, want, root)

	_, _, err = ParseResult("<other/>")
	assert.Error(t, err)
}
