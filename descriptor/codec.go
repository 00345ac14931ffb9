package descriptor

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Decode inflates and parses an opaque descriptor.
func Decode(opaque []byte) (*AnyKernelCall, error) {
	payload, err := inflate(opaque)
	if err != nil {
		return nil, err
	}
	var call AnyKernelCall
	if err := json.Unmarshal(payload, &call); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if err := call.validate(); err != nil {
		return nil, err
	}
	return &call, nil
}

// Encode serializes and compresses a descriptor into its opaque wire form.
func Encode(call *AnyKernelCall) ([]byte, error) {
	if err := call.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(call)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling kernel-call descriptor")
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, errors.Wrap(err, "compressing kernel-call descriptor")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compressing kernel-call descriptor")
	}
	return buf.Bytes(), nil
}

// inflate decompresses a zlib stream into a sized buffer, starting from a
// 5x guess and doubling whenever the payload does not fit.
func inflate(opaque []byte) ([]byte, error) {
	if len(opaque) == 0 {
		return nil, errors.Wrap(ErrMalformed, "empty opaque data")
	}
	size := 5 * len(opaque)
	for {
		zr, err := zlib.NewReader(bytes.NewReader(opaque))
		if err != nil {
			return nil, errors.Wrap(ErrMalformed, "failed to uncompress opaque data")
		}
		buf := make([]byte, size)
		n, err := io.ReadFull(zr, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			zr.Close()
			return nil, errors.Wrap(ErrMalformed, "failed to uncompress opaque data")
		}
		// A finished stream reports io.EOF here, after checksum
		// verification; a truncated one keeps failing, and leftover bytes
		// mean the buffer was too small.
		pn, perr := zr.Read(make([]byte, 1))
		zr.Close()
		switch {
		case pn == 0 && perr == io.EOF:
			return buf[:n], nil
		case perr == nil || perr == io.EOF:
			size *= 2
		default:
			return nil, errors.Wrap(ErrMalformed, "failed to uncompress opaque data")
		}
	}
}
