package wire

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// wireEncMode/wireDecMode encode arbitrary request/response payload
// structs, as distinct from internal/codec's canonical mode which is
// scoped to stored document values. Frame bodies are never persisted,
// so canonical (byte-stable) encoding isn't required here — only a
// consistent, self-describing wire format between client and server.
var (
	wireEncMode cbor.EncMode
	wireDecMode cbor.DecMode
)

func init() {
	em, err := cbor.EncOptions{}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building CBOR encoder: %v", err))
	}
	wireEncMode = em

	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building CBOR decoder: %v", err))
	}
	wireDecMode = dm
}

func marshal(v any) ([]byte, error) {
	b, err := wireEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return b, nil
}

func unmarshal(b []byte, v any) error {
	if err := wireDecMode.Unmarshal(b, v); err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}
