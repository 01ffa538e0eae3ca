// ABOUTME: Binary encoding of workflow.State for the checkpoints table
// ABOUTME: Deterministic CBOR compressed with zstd behind a one-byte format tag

package checkpoint

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/2389/agent-gateway/internal/workflow"
)

const formatCBORZstd byte = 1

var errUnknownFormat = errors.New("unknown checkpoint format")

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("checkpoint: CBOR encoder initialization failed: " + err.Error())
	}
	// tool arguments are map[string]any and must come back that way
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("checkpoint: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("checkpoint: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("checkpoint: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeState(s workflow.State) ([]byte, error) {
	raw, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	out := make([]byte, 1, len(raw)/2+1)
	out[0] = formatCBORZstd
	return zstdEncoder.EncodeAll(raw, out), nil
}

func decodeState(data []byte) (workflow.State, error) {
	var s workflow.State
	if len(data) == 0 || data[0] != formatCBORZstd {
		return s, errUnknownFormat
	}
	raw, err := zstdDecoder.DecodeAll(data[1:], nil)
	if err != nil {
		return s, fmt.Errorf("decompressing state: %w", err)
	}
	if err := decMode.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decoding state: %w", err)
	}
	return s, nil
}
