package flow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/ppc-flow/internal/store"
	"github.com/ChuLiYu/ppc-flow/pkg/ppcerr"
	"github.com/ChuLiYu/ppc-flow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuilder(t *testing.T) (*Builder, store.Store) {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "flow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewBuilder(s, nil), s
}

func psiMpcWorkflow() []types.WorkerConfig {
	return []types.WorkerConfig{
		{Index: 1, Type: types.WorkerPSI},
		{Index: 2, Type: types.WorkerMPC, Upstreams: []types.UpstreamConfig{
			{Index: 1, OutputInputMap: []string{"0:0"}},
		}},
	}
}

func TestBuildPsiMpc(t *testing.T) {
	b, _ := newBuilder(t)

	flow, err := b.Build("j1", psiMpcWorkflow())
	require.NoError(t, err)
	require.Len(t, flow, 2)

	psiID := types.WorkerID("j1", 1, types.WorkerPSI)
	mpcID := types.WorkerID("j1", 2, types.WorkerMPC)
	require.Contains(t, flow, psiID)
	require.Contains(t, flow, mpcID)

	mpc := flow[mpcID]
	assert.Equal(t, []string{psiID}, mpc.Upstreams)
	assert.Equal(t, []types.InputStatement{{Upstream: psiID, OutputIndex: 0}}, mpc.InputsStatement)
	assert.Equal(t, types.WorkerPending, mpc.Status)
	assert.IsType(t, &types.MpcArgs{}, mpc.Args)
	assert.IsType(t, &types.PsiArgs{}, flow[psiID].Args)
}

func TestInputsSortedByPosition(t *testing.T) {
	b, _ := newBuilder(t)
	wf := []types.WorkerConfig{
		{Index: 1, Type: types.WorkerPreprocessing},
		{Index: 2, Type: types.WorkerFeatureEngineering},
		{Index: 3, Type: types.WorkerTraining, Upstreams: []types.UpstreamConfig{
			{Index: 2, OutputInputMap: []string{"1:0"}},
			{Index: 1, OutputInputMap: []string{"0:2", "3:1"}},
		}},
	}
	flow, err := b.Build("j", wf)
	require.NoError(t, err)

	pre := types.WorkerID("j", 1, types.WorkerPreprocessing)
	fe := types.WorkerID("j", 2, types.WorkerFeatureEngineering)
	tr := flow[types.WorkerID("j", 3, types.WorkerTraining)]
	assert.Equal(t, []types.InputStatement{
		{Upstream: fe, OutputIndex: 1},
		{Upstream: pre, OutputIndex: 3},
		{Upstream: pre, OutputIndex: 0},
	}, tr.InputsStatement)
}

func TestPureDependencyEdge(t *testing.T) {
	b, _ := newBuilder(t)
	flow, err := b.Build("j", []types.WorkerConfig{
		{Index: 1, Type: types.WorkerPSI},
		{Index: 2, Type: types.WorkerPSI, Upstreams: []types.UpstreamConfig{{Index: 1}}},
	})
	require.NoError(t, err)
	w := flow[types.WorkerID("j", 2, types.WorkerPSI)]
	assert.Len(t, w.Upstreams, 1)
	assert.Empty(t, w.InputsStatement)
}

func TestBuildRejects(t *testing.T) {
	cases := map[string][]types.WorkerConfig{
		"empty":         nil,
		"zero index":    {{Index: 0, Type: types.WorkerPSI}},
		"unknown type":  {{Index: 1, Type: "T_NOPE"}},
		"sentinel type": {{Index: 1, Type: types.WorkerOnSuccess}},
		"duplicate index": {
			{Index: 1, Type: types.WorkerPSI},
			{Index: 1, Type: types.WorkerMPC},
		},
		"unknown upstream": {
			{Index: 1, Type: types.WorkerPSI, Upstreams: []types.UpstreamConfig{{Index: 7}}},
		},
		"self loop": {
			{Index: 1, Type: types.WorkerPSI, Upstreams: []types.UpstreamConfig{{Index: 1}}},
		},
		"cycle": {
			{Index: 1, Type: types.WorkerPSI, Upstreams: []types.UpstreamConfig{{Index: 2}}},
			{Index: 2, Type: types.WorkerMPC, Upstreams: []types.UpstreamConfig{{Index: 1}}},
		},
		"malformed mapping": {
			{Index: 1, Type: types.WorkerPSI},
			{Index: 2, Type: types.WorkerMPC, Upstreams: []types.UpstreamConfig{{Index: 1, OutputInputMap: []string{"0-0"}}}},
		},
		"negative mapping": {
			{Index: 1, Type: types.WorkerPSI},
			{Index: 2, Type: types.WorkerMPC, Upstreams: []types.UpstreamConfig{{Index: 1, OutputInputMap: []string{"-1:0"}}}},
		},
		"duplicate input": {
			{Index: 1, Type: types.WorkerPSI},
			{Index: 2, Type: types.WorkerPSI},
			{Index: 3, Type: types.WorkerMPC, Upstreams: []types.UpstreamConfig{
				{Index: 1, OutputInputMap: []string{"0:0"}},
				{Index: 2, OutputInputMap: []string{"0:0"}},
			}},
		},
		"bad args": {
			{Index: 1, Type: types.WorkerPSI, Args: types.RawArgs(`{"no_such_field": 1}`)},
		},
		"args fail validation": {
			{Index: 1, Type: types.WorkerMPC, Args: types.RawArgs(`{"mpc_content": "x", "bit_length": 32}`)},
		},
	}

	b, _ := newBuilder(t)
	for name, wf := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := b.Build("j", wf)
			require.Error(t, err)
			assert.True(t, ppcerr.Is(err, ppcerr.KindValidation), "got %v", err)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestSaveRestoresPersistedState(t *testing.T) {
	b, s := newBuilder(t)
	ctx := context.Background()

	flow, err := b.BuildAndSave(ctx, "j1", psiMpcWorkflow())
	require.NoError(t, err)
	psiID := types.WorkerID("j1", 1, types.WorkerPSI)
	require.NoError(t, s.UpdateStatusAndOutputs(ctx, "j1", psiID, types.WorkerSuccess, []string{"psi.csv"}))
	assert.Equal(t, types.WorkerPending, flow[psiID].Status)

	// rebuild after restart
	again, err := b.BuildAndSave(ctx, "j1", psiMpcWorkflow())
	require.NoError(t, err)
	assert.Equal(t, types.WorkerSuccess, again[psiID].Status)
	assert.Equal(t, types.WorkerPending, again[types.WorkerID("j1", 2, types.WorkerMPC)].Status)

	recs, err := s.ListByJob(ctx, "j1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
