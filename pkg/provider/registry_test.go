package provider_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openuds/engine/pkg/provider"
	"github.com/openuds/engine/pkg/provider/providertest"
	"github.com/openuds/engine/pkg/types"
)

func init() {
	provider.Register("fake", func(prov *types.Provider) (provider.Driver, error) {
		return providertest.NewFake(), nil
	})
}

func TestRegistryBuild(t *testing.T) {
	drv, err := provider.Build(&types.Provider{TypeName: "fake"})
	require.NoError(t, err)
	assert.Equal(t, "fake", drv.TypeName())

	_, err = provider.Build(&types.Provider{TypeName: "missing"})
	assert.Error(t, err)

	assert.Contains(t, provider.Types(), "fake")
}

func TestFakeDeployLifecycle(t *testing.T) {
	fake := providertest.NewFake()
	fake.SetDeployTicks(2)
	ctx := context.Background()

	inst, err := fake.Instance(&types.Service{}, &types.UserService{})
	require.NoError(t, err)

	state, err := inst.DeployForCache(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, state)
	assert.NotEmpty(t, inst.UniqueID())

	state, err = inst.CheckState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, state)

	state, err = inst.CheckState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFinished, state)

	running, err := fake.IsRunning(ctx, inst.UniqueID())
	require.NoError(t, err)
	assert.True(t, running)
}

func TestFakeInstancePayloadRoundTrip(t *testing.T) {
	fake := providertest.NewFake()
	fake.SetDeployTicks(3)
	ctx := context.Background()

	inst, err := fake.Instance(&types.Service{}, &types.UserService{})
	require.NoError(t, err)
	_, err = inst.DeployForUser(ctx, &types.User{ID: "alice"})
	require.NoError(t, err)

	data, err := inst.Marshal()
	require.NoError(t, err)

	// another host resumes the operation from the persisted payload
	resumed, err := fake.Instance(&types.Service{}, &types.UserService{Data: data})
	require.NoError(t, err)
	assert.Equal(t, inst.UniqueID(), resumed.UniqueID())
	assert.Equal(t, inst.IP(), resumed.IP())

	state, err := resumed.CheckState(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, state)
}

func TestFakeMachineOps(t *testing.T) {
	fake := providertest.NewFake()
	ctx := context.Background()
	fake.AddMachine("vm-9", true)

	require.NoError(t, fake.StopMachine(ctx, "vm-9"))
	running, err := fake.IsRunning(ctx, "vm-9")
	require.NoError(t, err)
	assert.False(t, running)

	require.NoError(t, fake.DeleteMachine(ctx, "vm-9"))
	_, err = fake.IsRunning(ctx, "vm-9")
	assert.True(t, types.IsNotFound(err))
	assert.True(t, types.IsNotFound(fake.DeleteMachine(ctx, "vm-9")))
}
