package descriptor

import (
	"bytes"
	"compress/zlib"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func i32(v int32) *int32   { return &v }
func u64(v uint64) *uint64 { return &v }
func boolp(v bool) *bool   { return &v }

func sampleKernel(name string) Kernel {
	return Kernel{
		Source:            ".visible .entry " + name,
		Name:              name,
		NumWarps:          4,
		SharedMemBytes:    2048,
		ComputeCapability: 80,
	}
}

func TestCodec_SingleCallRoundTrip(t *testing.T) {
	in := &AnyKernelCall{KernelCall: &KernelCall{
		Kernel: sampleKernel("add"),
		Grid:   [3]uint32{64, 2, 1},
		Parameters: []Parameter{
			{Array: &ArrayParameter{BytesToZero: 128, PtrDivisibleBy16: true}},
			{I32: i32(-7)},
			{U64: u64(1 << 40)},
			{Bool: boolp(true)},
		},
	}}

	opaque, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(opaque)
	require.NoError(t, err)
	require.NotNil(t, out.KernelCall)
	assert.Nil(t, out.AutotunedKernelCall)
	assert.Equal(t, in.KernelCall, out.KernelCall)
}

func TestCodec_AutotunedCallRoundTrip(t *testing.T) {
	in := &AnyKernelCall{AutotunedKernelCall: &AutotunedKernelCall{
		Name: "matmul",
		Configs: []Config{
			{KernelCall: KernelCall{Kernel: sampleKernel("matmul_v1"), Grid: [3]uint32{1, 1, 1}}, Description: "tile=32"},
			{KernelCall: KernelCall{Kernel: sampleKernel("matmul_v2"), Grid: [3]uint32{2, 1, 1}}, Description: "tile=64"},
		},
		InputOutputAliases: []InputOutputAlias{
			{InputBufferIdx: 0, OutputBufferIdx: 2, BufferSizeBytes: 4096},
		},
	}}

	opaque, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(opaque)
	require.NoError(t, err)
	require.NotNil(t, out.AutotunedKernelCall)
	assert.Equal(t, in.AutotunedKernelCall, out.AutotunedKernelCall)
}

// A highly compressible payload decompresses to far more than the initial
// 5x buffer guess, forcing the doubling path.
func TestCodec_InflateGrowsBuffer(t *testing.T) {
	kernel := sampleKernel("big")
	kernel.Source = strings.Repeat("mov.u32 %r1, %r2;\n", 8192)
	in := &AnyKernelCall{KernelCall: &KernelCall{Kernel: kernel, Grid: [3]uint32{1, 1, 1}}}

	opaque, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(opaque)
	require.NoError(t, err)
	assert.Equal(t, kernel.Source, out.KernelCall.Kernel.Source)
}

// Chopping bytes off a large compressed descriptor must not decode to a
// silently shortened payload.
func TestCodec_TruncatedStreamRejected(t *testing.T) {
	kernel := sampleKernel("big")
	kernel.Source = strings.Repeat("add.s32 %r1, %r1, 1;\n", 4096)
	in := &AnyKernelCall{KernelCall: &KernelCall{Kernel: kernel, Grid: [3]uint32{1, 1, 1}}}

	opaque, err := Encode(in)
	require.NoError(t, err)
	require.Greater(t, len(opaque), 50)

	_, err = Decode(opaque[:len(opaque)-50])
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestCodec_MalformedInputs(t *testing.T) {
	deflate := func(payload string) []byte {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		_, _ = zw.Write([]byte(payload))
		_ = zw.Close()
		return buf.Bytes()
	}

	cases := []struct {
		name   string
		opaque []byte
	}{
		{"Empty", nil},
		{"NotZlib", []byte("plain text, not compressed")},
		{"TruncatedStream", deflate(`{"kernel_call":`)[:4]},
		{"NotJSON", deflate("][")},
		{"NeitherCallType", deflate(`{}`)},
		{"EmptyKernelName", deflate(`{"kernel_call":{"kernel":{"source":"s","num_warps":1},"grid":[1,1,1]}}`)},
		{"ZeroWarps", deflate(`{"kernel_call":{"kernel":{"source":"s","name":"k"},"grid":[1,1,1]}}`)},
		{"UnknownParameterType", deflate(`{"kernel_call":{"kernel":{"source":"s","name":"k","num_warps":1},"grid":[1,1,1],"parameters":[{}]}}`)},
		{"NoAutotuneConfigs", deflate(`{"autotuned_kernel_call":{"name":"x","configs":[]}}`)},
		{"NegativeAliasIndex", deflate(`{"autotuned_kernel_call":{"name":"x","configs":[{"kernel_call":{"kernel":{"source":"s","name":"k","num_warps":1},"grid":[1,1,1]}}],"input_output_aliases":[{"input_buffer_idx":-1,"output_buffer_idx":0,"buffer_size_bytes":4}]}}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.opaque)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestCodec_EncodeRejectsInvalid(t *testing.T) {
	_, err := Encode(&AnyKernelCall{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = Encode(&AnyKernelCall{
		KernelCall:          &KernelCall{Kernel: sampleKernel("a"), Grid: [3]uint32{1, 1, 1}},
		AutotunedKernelCall: &AutotunedKernelCall{Name: "b"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}
