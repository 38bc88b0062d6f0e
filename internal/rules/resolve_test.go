package rules

import (
	"errors"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"desitarget/internal/bitmask"
)

func TestResolveConcreteIsIdempotent(t *testing.T) {
	t.Parallel()
	tables := Tables[int]{"desi_mask": {"LRG": Concrete(2), "SKY": NotApplicable[int]()}}
	r := NewResolver(tables)
	for i := 0; i < 2; i++ {
		v, err := r.Resolve("desi_mask", "LRG")
		require.NoError(t, err)
		assert.Equal(t, Resolved[int]{Value: 2, Applicable: true}, v)
	}
	v, err := r.Resolve("desi_mask", "SKY")
	require.NoError(t, err)
	assert.False(t, v.Applicable)
}

func TestResolveOrderIndependent(t *testing.T) {
	t.Parallel()
	tables := Tables[int]{"desi_mask": {
		"LRG":             Concrete(2),
		"LRG_NORTH":       Alias[int]("LRG"),
		"LRG_NORTH_EXTRA": Alias[int]("LRG_NORTH"),
	}}

	first := NewResolver(tables)
	a1, err := first.Resolve("desi_mask", "LRG_NORTH_EXTRA")
	require.NoError(t, err)
	b1, err := first.Resolve("desi_mask", "LRG")
	require.NoError(t, err)

	second := NewResolver(tables)
	b2, err := second.Resolve("desi_mask", "LRG")
	require.NoError(t, err)
	a2, err := second.Resolve("desi_mask", "LRG_NORTH_EXTRA")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.Equal(t, b1, b2)
	assert.Equal(t, 2, a1.Value)
}

func TestResolveTwoCycle(t *testing.T) {
	t.Parallel()
	tables := Tables[int]{"desi_mask": {"A": Alias[int]("B"), "B": Alias[int]("A")}}
	_, err := NewResolver(tables).Resolve("desi_mask", "A")
	var ce CyclicAliasError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "desi_mask", ce.Mask)
	assert.Equal(t, []string{"A", "B", "A"}, ce.Chain)
}

func TestResolveSelfAlias(t *testing.T) {
	t.Parallel()
	tables := Tables[int]{"desi_mask": {"A": Alias[int]("A")}}
	_, err := NewResolver(tables).Resolve("desi_mask", "A")
	var ce CyclicAliasError
	assert.True(t, errors.As(err, &ce))
}

func TestResolveLongChainTerminates(t *testing.T) {
	t.Parallel()
	table := Table[int]{"B0": Concrete(7)}
	names := []string{"B0"}
	for i := 1; i <= 5000; i++ {
		name := "B" + strconv.Itoa(i)
		table[name] = Alias[int](names[len(names)-1])
		names = append(names, name)
	}
	v, err := NewResolver(Tables[int]{"m": table}).Resolve("m", names[len(names)-1])
	require.NoError(t, err)
	assert.Equal(t, 7, v.Value)

	// close the loop
	table["B0"] = Alias[int](names[len(names)-1])
	_, err = NewResolver(Tables[int]{"m": table}).Resolve("m", "B1")
	var ce CyclicAliasError
	assert.True(t, errors.As(err, &ce))
}

func TestResolveUnknownTarget(t *testing.T) {
	t.Parallel()
	tables := Tables[int]{"desi_mask": {"A": Alias[int]("MISSING")}}
	_, err := NewResolver(tables).Resolve("desi_mask", "A")
	var ube bitmask.UnknownBitError
	require.True(t, errors.As(err, &ube))
	assert.Equal(t, "MISSING", ube.Bit)

	_, err = NewResolver(tables).Resolve("bgs_mask", "A")
	var ume bitmask.UnknownMaskError
	assert.True(t, errors.As(err, &ume))
}

func TestAliasToNotApplicable(t *testing.T) {
	t.Parallel()
	tables := Tables[int]{"m": {"SKY": NotApplicable[int](), "SUPP_SKY": Alias[int]("SKY")}}
	v, err := NewResolver(tables).Resolve("m", "SUPP_SKY")
	require.NoError(t, err)
	assert.False(t, v.Applicable)
}

func TestFlatten(t *testing.T) {
	t.Parallel()
	tables := Tables[int]{
		"desi_mask": {"LRG": Concrete(2), "LRG_NORTH": Alias[int]("LRG"), "SKY": NotApplicable[int]()},
		"bgs_mask":  {"BGS_FAINT": Concrete(1)},
	}
	f, err := Flatten(tables)
	require.NoError(t, err)
	assert.Equal(t, []string{"bgs_mask", "desi_mask"}, f.Masks())
	if diff := cmp.Diff([]string{"LRG", "LRG_NORTH", "SKY"}, f.Bits("desi_mask")); diff != "" {
		t.Fatalf("bits mismatch (-want +got):\n%s", diff)
	}
	v, ok := f.Get("desi_mask", "LRG_NORTH")
	require.True(t, ok)
	assert.Equal(t, Resolved[int]{Value: 2, Applicable: true}, v)
	_, ok = f.Get("desi_mask", "QSO")
	assert.False(t, ok)

	tables["desi_mask"]["X"] = Alias[int]("Y")
	tables["desi_mask"]["Y"] = Alias[int]("X")
	_, err = Flatten(tables)
	var ce CyclicAliasError
	assert.True(t, errors.As(err, &ce))
}
