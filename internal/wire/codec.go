// ABOUTME: CBOR codec registered with gRPC for the AgentControl stream
// ABOUTME: Deterministic encoding, lenient decoding for forward compatibility

package wire

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype used by the AgentControl service.
const CodecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	// Unknown fields are ignored so older gateways accept newer agents.
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}

	encoding.RegisterCodec(Codec{})
}

// Codec implements encoding.Codec for CBOR.
type Codec struct{}

// Marshal encodes v with Core Deterministic Encoding.
func (Codec) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func (Codec) Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Name returns the content subtype.
func (Codec) Name() string {
	return CodecName
}
