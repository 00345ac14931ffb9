package launcher

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpukit/kernellaunch/cuda"
	"github.com/gpukit/kernellaunch/descriptor"
)

func TestKernel_FunctionResolvedOncePerContext(t *testing.T) {
	env := newTestEnv(t)
	buf := env.fake.Alloc(16)
	opaque := encodeSingle(t, descriptor.KernelCall{
		Kernel:     kernelDesc("add", 1, 0),
		Grid:       [3]uint32{1, 1, 1},
		Parameters: []descriptor.Parameter{arrayParamDesc(0, false)},
	})
	buffers := []cuda.DevicePtr{buf}

	require.NoError(t, env.launcher.Launch(env.stream, buffers, opaque))
	require.NoError(t, env.launcher.Launch(env.stream, buffers, opaque))
	assert.Equal(t, 1, env.fake.ModuleLoads())
	assert.Equal(t, 1, env.fake.FunctionResolves("add"))

	// A second stream in the same context reuses the resolved function.
	other := env.fake.NewStream(env.ctx)
	require.NoError(t, env.launcher.Launch(other, buffers, opaque))
	assert.Equal(t, 1, env.fake.ModuleLoads())

	// A stream in a new context triggers exactly one more load.
	ctx2 := env.fake.NewContext(0)
	stream2 := env.fake.NewStream(ctx2)
	require.NoError(t, env.launcher.Launch(stream2, buffers, opaque))
	require.NoError(t, env.launcher.Launch(stream2, buffers, opaque))
	assert.Equal(t, 2, env.fake.ModuleLoads())
	assert.Equal(t, 2, env.fake.FunctionResolves("add"))

	assert.True(t, env.fake.ContextBalanced())
}

func TestKernel_ConcurrentFirstUseLoadsOnce(t *testing.T) {
	env := newTestEnv(t)
	buf := env.fake.Alloc(16)
	opaque := encodeSingle(t, descriptor.KernelCall{
		Kernel:     kernelDesc("add", 1, 0),
		Grid:       [3]uint32{1, 1, 1},
		Parameters: []descriptor.Parameter{arrayParamDesc(0, false)},
	})

	const workers = 8
	streams := make([]cuda.Stream, workers)
	for i := range streams {
		streams[i] = env.fake.NewStream(env.ctx)
	}

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.launcher.Launch(streams[i], []cuda.DevicePtr{buf}, opaque)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}
	assert.Equal(t, 1, env.fake.ModuleLoads())
	assert.Equal(t, workers, env.fake.LaunchCount("add"))
}

func TestKernel_BlockShapeFromWarpCount(t *testing.T) {
	env := newTestEnv(t)
	buf := env.fake.Alloc(16)
	opaque := encodeSingle(t, descriptor.KernelCall{
		Kernel:     kernelDesc("add", 4, 256),
		Grid:       [3]uint32{3, 2, 1},
		Parameters: []descriptor.Parameter{arrayParamDesc(0, false)},
	})
	require.NoError(t, env.launcher.Launch(env.stream, []cuda.DevicePtr{buf}, opaque))

	launches := env.fake.Launches()
	require.Len(t, launches, 1)
	assert.Equal(t, [3]uint32{3, 2, 1}, launches[0].Grid)
	assert.Equal(t, [3]uint32{128, 1, 1}, launches[0].Block)
	assert.Equal(t, uint32(256), launches[0].SharedMemBytes)
}

func TestKernel_SharedMemoryNegotiation(t *testing.T) {
	t.Run("StaticLimitSkipsOptinQuery", func(t *testing.T) {
		env := newTestEnv(t)
		buf := env.fake.Alloc(16)
		opaque := encodeSingle(t, descriptor.KernelCall{
			Kernel:     kernelDesc("add", 1, maxStaticSharedMemBytes),
			Grid:       [3]uint32{1, 1, 1},
			Parameters: []descriptor.Parameter{arrayParamDesc(0, false)},
		})
		require.NoError(t, env.launcher.Launch(env.stream, []cuda.DevicePtr{buf}, opaque))
		assert.Equal(t, 0, env.fake.DeviceAttrReads(cuda.DevAttrMaxSharedMemoryPerBlockOptin))
		assert.Empty(t, env.fake.FuncAttrSets())
	})

	t.Run("BeyondLimitRaisesDynamicCeiling", func(t *testing.T) {
		env := newTestEnv(t)
		env.fake.SetStaticShared("add", 1024)
		buf := env.fake.Alloc(16)
		opaque := encodeSingle(t, descriptor.KernelCall{
			Kernel:     kernelDesc("add", 1, maxStaticSharedMemBytes+1),
			Grid:       [3]uint32{1, 1, 1},
			Parameters: []descriptor.Parameter{arrayParamDesc(0, false)},
		})
		require.NoError(t, env.launcher.Launch(env.stream, []cuda.DevicePtr{buf}, opaque))

		assert.Equal(t, 1, env.fake.DeviceAttrReads(cuda.DevAttrMaxSharedMemoryPerBlockOptin))
		cfg, ok := env.fake.CacheConfig("add")
		require.True(t, ok)
		assert.Equal(t, cuda.FuncCachePreferShared, cfg)

		sets := env.fake.FuncAttrSets()
		require.Len(t, sets, 1)
		assert.Equal(t, cuda.FuncAttrMaxDynamicSharedSizeBytes, sets[0].Attr)
		assert.Equal(t, 98304-1024, sets[0].Value)

		// Second launch takes the memoized fast path.
		require.NoError(t, env.launcher.Launch(env.stream, []cuda.DevicePtr{buf}, opaque))
		assert.Equal(t, 1, env.fake.DeviceAttrReads(cuda.DevAttrMaxSharedMemoryPerBlockOptin))
	})

	t.Run("OvercommitIsInvalidArgument", func(t *testing.T) {
		env := newTestEnv(t)
		env.fake.SetDeviceAttribute(0, cuda.DevAttrMaxSharedMemoryPerBlockOptin, maxStaticSharedMemBytes)
		buf := env.fake.Alloc(16)
		opaque := encodeSingle(t, descriptor.KernelCall{
			Kernel:     kernelDesc("add", 1, maxStaticSharedMemBytes+1),
			Grid:       [3]uint32{1, 1, 1},
			Parameters: []descriptor.Parameter{arrayParamDesc(0, false)},
		})
		err := env.launcher.Launch(env.stream, []cuda.DevicePtr{buf}, opaque)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidArgument))
		assert.Equal(t, 0, env.fake.LaunchCount("add"))
		assert.True(t, env.fake.ContextBalanced(), "context must be restored on the failure path")
	})
}

func TestKernel_DriverFailureSurfacesCallSite(t *testing.T) {
	env := newTestEnv(t)
	env.fake.FailWith("cuModuleLoadData", &cuda.Error{Call: "cuModuleLoadData", Code: 2, Msg: "out of memory"})
	buf := env.fake.Alloc(16)
	opaque := encodeSingle(t, descriptor.KernelCall{
		Kernel:     kernelDesc("add", 1, 0),
		Grid:       [3]uint32{1, 1, 1},
		Parameters: []descriptor.Parameter{arrayParamDesc(0, false)},
	})

	err := env.launcher.Launch(env.stream, []cuda.DevicePtr{buf}, opaque)
	require.Error(t, err)
	var drvErr *cuda.Error
	require.True(t, errors.As(err, &drvErr))
	assert.Equal(t, "cuModuleLoadData", drvErr.Call)
	assert.True(t, env.fake.ContextBalanced())
}
