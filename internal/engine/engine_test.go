package engine_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"desitarget/internal/bitmask"
	"desitarget/internal/domain"
	"desitarget/internal/engine"
	"desitarget/internal/obsstate"
	"desitarget/internal/rules"
)

const (
	lrg       = 1 << 0
	lrg1Pass  = 1 << 3
	lrg2Pass  = 1 << 4
	veto      = 1 << 0
	qso       = 1 << 2
	sky       = 1 << 32
	inBright  = 1 << 51
	bgsBright = 1 << 1
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.LoadBuiltin("main", engine.DefaultOptions())
	if err != nil {
		t.Fatalf("load engine: %v", err)
	}
	return eng
}

func ref(mask, bit string) engine.BitRef { return engine.BitRef{Mask: mask, Bit: bit} }

func intp(v int) *int { return &v }

func floatp(v float64) *float64 { return &v }

func TestPriorityTakesMaximum(t *testing.T) {
	eng := newEngine(t)
	p, err := eng.PriorityAt([]engine.BitRef{ref("desi_mask", "LRG"), ref("bgs_mask", "BGS_BRIGHT")}, obsstate.Unobs)
	require.NoError(t, err)
	assert.Equal(t, 3200, p)
}

func TestDoNotObserveDominates(t *testing.T) {
	eng := newEngine(t)
	p, err := eng.Priority([]engine.Contribution{
		{BitRef: ref("desi_mask", "QSO"), State: obsstate.MoreZGood},
		{BitRef: ref("mws_mask", "MWS_WD"), State: obsstate.DoNotObserve},
		{BitRef: ref("desi_mask", "LRG"), State: obsstate.Unobs},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, p)
}

func TestMoreDominatesDone(t *testing.T) {
	eng := newEngine(t)
	p, err := eng.Priority([]engine.Contribution{
		{BitRef: ref("desi_mask", "QSO"), State: obsstate.MoreZGood},
		{BitRef: ref("desi_mask", "LRG"), State: obsstate.Done},
	})
	require.NoError(t, err)
	assert.Equal(t, 3500, p)
}

func TestAliasedBitsUseTargetRule(t *testing.T) {
	eng := newEngine(t)
	north, ok, err := eng.PriorityRule("desi_mask", "LRG_1PASS_NORTH")
	require.NoError(t, err)
	require.True(t, ok)
	base, _, err := eng.PriorityRule("desi_mask", "LRG")
	require.NoError(t, err)
	if diff := cmp.Diff(base, north); diff != "" {
		t.Fatalf("alias chain mismatch (-want +got):\n%s", diff)
	}
}

func TestNumObsSkyOnly(t *testing.T) {
	eng := newEngine(t)
	_, err := eng.NumObs([]engine.BitRef{ref("desi_mask", "SKY")})
	var na engine.NoApplicableBitError
	require.True(t, errors.As(err, &na), "got %v", err)
	assert.Equal(t, "numobs", na.Quantity)
	assert.Equal(t, []string{"desi_mask.SKY"}, na.Bits)

	n, err := eng.NumObs([]engine.BitRef{ref("desi_mask", "SKY"), ref("desi_mask", "QSO"), ref("desi_mask", "LRG")})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestPriorityNoApplicable(t *testing.T) {
	eng := newEngine(t)
	_, err := eng.PriorityAt([]engine.BitRef{ref("desi_mask", "SKY"), ref("desi_mask", "STD_WD")}, obsstate.Unobs)
	var na engine.NoApplicableBitError
	assert.True(t, errors.As(err, &na))

	_, err = eng.PriorityAt(nil, obsstate.Unobs)
	assert.True(t, errors.As(err, &na))
}

func TestUnknownBit(t *testing.T) {
	eng := newEngine(t)
	_, err := eng.PriorityAt([]engine.BitRef{ref("desi_mask", "LRG"), ref("desi_mask", "NOPE")}, obsstate.Unobs)
	var ube bitmask.UnknownBitError
	assert.True(t, errors.As(err, &ube))
}

func TestCombine(t *testing.T) {
	cases := []struct {
		name  string
		cands []engine.Candidate
		want  int
		ok    bool
	}{
		{"empty", nil, 0, false},
		{"all inapplicable", []engine.Candidate{{-1, obsstate.Unobs}, {-1, obsstate.Done}}, 0, false},
		{"max", []engine.Candidate{{3200, obsstate.Unobs}, {2100, obsstate.Unobs}}, 3200, true},
		{"more over done", []engine.Candidate{{2, obsstate.Done}, {1000, obsstate.MoreZWarn}}, 1000, true},
		{"done above more is discarded", []engine.Candidate{{5000, obsstate.Done}, {1000, obsstate.MoreZGood}}, 1000, true},
		{"more keeps unobs", []engine.Candidate{{3000, obsstate.Unobs}, {1000, obsstate.MoreZGood}, {2, obsstate.Done}}, 3000, true},
		{"donotobserve", []engine.Candidate{{3500, obsstate.MoreZGood}, {0, obsstate.DoNotObserve}}, 0, true},
		{"donotobserve max", []engine.Candidate{{0, obsstate.DoNotObserve}, {5, obsstate.DoNotObserve}, {9000, obsstate.Unobs}}, 5, true},
		{"inapplicable donotobserve ignored", []engine.Candidate{{-1, obsstate.DoNotObserve}, {10, obsstate.Obs}}, 10, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := engine.Combine(tc.cands)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCombineOrderIndependent(t *testing.T) {
	cands := []engine.Candidate{{2, obsstate.Done}, {3500, obsstate.MoreZGood}, {-1, obsstate.Unobs}, {3000, obsstate.Unobs}}
	want, _ := engine.Combine(cands)
	var permute func(int)
	permute = func(k int) {
		if k == len(cands) {
			got, _ := engine.Combine(cands)
			assert.Equal(t, want, got, "order %v", cands)
			return
		}
		for i := k; i < len(cands); i++ {
			cands[k], cands[i] = cands[i], cands[k]
			permute(k + 1)
			cands[k], cands[i] = cands[i], cands[k]
		}
	}
	permute(0)
}

func TestLoadRejectsCycle(t *testing.T) {
	doc := `
desi_mask:
    - [A, 0, "a", {obsconditions: DARK}]
    - [B, 1, "b", {obsconditions: DARK}]
priorities:
    desi_mask:
        A: SAME_AS_B
        B: SAME_AS_A
`
	_, err := engine.Load("main", []byte(doc), engine.DefaultOptions())
	var ce rules.CyclicAliasError
	require.True(t, errors.As(err, &ce), "got %v", err)
}

func TestLoadRejectsDanglingAlias(t *testing.T) {
	doc := `
desi_mask:
    - [A, 0, "a", {obsconditions: DARK}]
    - [B, 1, "b", {obsconditions: DARK}]
numobs:
    desi_mask:
        A: SAME_AS_B
`
	_, err := engine.Load("main", []byte(doc), engine.DefaultOptions())
	var ube bitmask.UnknownBitError
	require.True(t, errors.As(err, &ube), "got %v", err)
	assert.Equal(t, "B", ube.Bit)
}

func TestInitialPriorityNumObs(t *testing.T) {
	eng := newEngine(t)
	tgt := domain.Target{Columns: map[string]uint64{"DESI_TARGET": lrg | qso}}

	p, n := eng.InitialPriorityNumObs(tgt, eng.DefaultObsCon())
	assert.Equal(t, 3400, p)
	assert.Equal(t, 4, n)

	bright, err := eng.Registry.ObsMask("BRIGHT")
	require.NoError(t, err)
	p, n = eng.InitialPriorityNumObs(tgt, bright)
	assert.Equal(t, 0, p)
	assert.Equal(t, -1, n)
}

func TestCalcPriority(t *testing.T) {
	eng := newEngine(t)
	observed := func(cols map[string]uint64, z float64, zwarn int) domain.Target {
		return domain.Target{Columns: cols, NumObs: intp(1), NumObsMore: intp(3), Z: floatp(z), ZWarn: intp(zwarn)}
	}
	cases := []struct {
		name string
		tgt  domain.Target
		want int
	}{
		{"unobserved", domain.Target{Columns: map[string]uint64{"DESI_TARGET": lrg}}, 3200},
		{"lya qso", observed(map[string]uint64{"DESI_TARGET": qso}, 2.5, 0), 3500},
		{"low-z qso is done", observed(map[string]uint64{"DESI_TARGET": qso}, 1.0, 0), 2},
		{"low-z qso and lrg", observed(map[string]uint64{"DESI_TARGET": qso | lrg}, 1.0, 0), 3200},
		{"zwarn", observed(map[string]uint64{"DESI_TARGET": qso}, 1.0, 4), 3400},
		{"in bright object", domain.Target{Columns: map[string]uint64{"DESI_TARGET": lrg | inBright}}, 0},
		{"bgs", domain.Target{Columns: map[string]uint64{"BGS_TARGET": bgsBright}}, 2100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := eng.CalcPriority(tc.tgt)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCalcPriorityDone(t *testing.T) {
	eng := newEngine(t)
	tgt := domain.Target{
		Columns:    map[string]uint64{"DESI_TARGET": lrg},
		NumObs:     intp(2),
		NumObsMore: intp(0),
		ZWarn:      intp(0),
	}
	p, err := eng.CalcPriority(tgt)
	require.NoError(t, err)
	assert.Equal(t, 2, p)

	tgt.NumObs = intp(-1)
	_, err = eng.CalcPriority(tgt)
	assert.Error(t, err)
}

func TestFinalize(t *testing.T) {
	eng := newEngine(t)
	tgt := domain.Target{
		BrickID:    1,
		BrickObjID: 2,
		Release:    9010,
		Columns:    map[string]uint64{"DESI_TARGET": lrg | lrg2Pass, "BGS_TARGET": bgsBright},
	}
	f, err := eng.Finalize(tgt, engine.FinalizeOptions{DarkBright: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(2)|1<<22|9010<<42, f.TargetID)
	assert.Equal(t, 3200, f.PriorityInit)
	assert.Equal(t, 2, f.NumObsInit)
	assert.Equal(t, uint64(1|4), f.ObsConditions)
	require.NotNil(t, f.PriorityInitDark)
	assert.Equal(t, 3200, *f.PriorityInitDark)
	assert.Equal(t, 2, *f.NumObsInitDark)
	assert.Equal(t, 2100, *f.PriorityInitBright)
	assert.Equal(t, 1, *f.NumObsInitBright)
	assert.Nil(t, f.Priority)
}

func TestFinalizeSkyWithRedshift(t *testing.T) {
	eng := newEngine(t)
	tgt := domain.Target{
		TargetID:   42,
		Columns:    map[string]uint64{"DESI_TARGET": sky},
		NumObs:     intp(0),
		NumObsMore: intp(0),
		ZWarn:      intp(0),
	}
	f, err := eng.Finalize(tgt, engine.FinalizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), f.TargetID)
	assert.Equal(t, 0, f.PriorityInit)
	assert.Equal(t, -1, f.NumObsInit)
	require.NotNil(t, f.Priority)
	assert.Equal(t, 0, *f.Priority)
}

func TestFinalizeNeedsIdentity(t *testing.T) {
	eng := newEngine(t)
	_, err := eng.Finalize(domain.Target{Columns: map[string]uint64{"DESI_TARGET": lrg}}, engine.FinalizeOptions{})
	assert.Error(t, err)
}

func TestCMXEngine(t *testing.T) {
	eng, err := engine.LoadBuiltin("cmx", engine.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []bitmask.Column{{Name: "CMX_TARGET", Mask: "cmx_mask"}}, eng.Columns())
	p, err := eng.PriorityAt([]engine.BitRef{ref("cmx_mask", "SV0_WD")}, obsstate.Unobs)
	require.NoError(t, err)
	assert.Equal(t, 1500, p)
}

func TestVetoOverridesPrimaryBits(t *testing.T) {
	eng := newEngine(t)
	bits := []engine.BitRef{ref("desi_mask", "LRG"), ref("scnd_mask", "VETO")}
	for _, st := range []obsstate.State{obsstate.Unobs, obsstate.MoreZGood, obsstate.Done} {
		p, err := eng.PriorityAt(bits, st)
		require.NoError(t, err)
		assert.Equal(t, 0, p, "state %s", st)
	}

	tgt := domain.Target{TargetID: 9, Columns: map[string]uint64{"DESI_TARGET": lrg | lrg2Pass, "SCND_TARGET": veto}}
	f, err := eng.Finalize(tgt, engine.FinalizeOptions{DarkBright: true})
	require.NoError(t, err)
	assert.Equal(t, 0, f.PriorityInit)
	assert.Equal(t, 0, f.NumObsInit)
	assert.Equal(t, 0, *f.PriorityInitDark)
	assert.Equal(t, 0, *f.NumObsInitDark)

	p, err := eng.CalcPriority(tgt)
	require.NoError(t, err)
	assert.Equal(t, 0, p)

	// Without the override the primary bit wins.
	opts := engine.DefaultOptions()
	opts.DoNotObserveBits = nil
	plain, err := engine.LoadBuiltin("main", opts)
	require.NoError(t, err)
	p, err = plain.PriorityAt(bits, obsstate.Unobs)
	require.NoError(t, err)
	assert.Equal(t, 3200, p)
}

func TestFinalizeRequiresLRGPassBits(t *testing.T) {
	eng := newEngine(t)
	for _, bits := range []uint64{lrg, lrg1Pass} {
		_, err := eng.Finalize(domain.Target{TargetID: 3, Columns: map[string]uint64{"DESI_TARGET": bits}}, engine.FinalizeOptions{})
		var pe engine.LRGPassError
		require.True(t, errors.As(err, &pe), "DESI_TARGET=%d: got %v", bits, err)
		assert.Equal(t, uint64(3), pe.TargetID)
	}

	f, err := eng.Finalize(domain.Target{TargetID: 3, Columns: map[string]uint64{"DESI_TARGET": lrg | lrg1Pass}}, engine.FinalizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3200, f.PriorityInit)
	assert.Equal(t, 2, f.NumObsInit)

	sv1, err := engine.LoadBuiltin("sv1", engine.DefaultOptions())
	require.NoError(t, err)
	_, err = sv1.Finalize(domain.Target{TargetID: 3, Columns: map[string]uint64{"SV1_DESI_TARGET": lrg}}, engine.FinalizeOptions{})
	assert.NoError(t, err)
}

func TestDefaultObsConSkipsMissingConditions(t *testing.T) {
	doc := `
obsconditions:
    - [DARK,       0, "Dark time"]
    - [BRIGHT,     2, "Bright time"]
    - [APOCALYPSE, 6, "Nothing else"]
desi_mask:
    - [A, 0, "a", {obsconditions: DARK}]
`
	eng, err := engine.Load("main", []byte(doc), engine.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, uint64(1|4), eng.DefaultObsCon())
}
