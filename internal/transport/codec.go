package transport

import "fmt"

// Frame carries an opaque request or response payload through gRPC without
// the balancer interpreting it
type Frame struct {
	Payload []byte
}

// Codec is a passthrough grpc codec. The balancing layer never decodes
// business payloads; callers and backends agree on the real encoding.
type Codec struct{}

// Name identifies the codec to grpc
func (Codec) Name() string {
	return "lb-raw"
}

// Marshal returns the frame's raw payload
func (Codec) Marshal(v interface{}) ([]byte, error) {
	frame, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("raw codec cannot marshal %T", v)
	}
	return frame.Payload, nil
}

// Unmarshal stores the raw bytes into the frame
func (Codec) Unmarshal(data []byte, v interface{}) error {
	frame, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("raw codec cannot unmarshal into %T", v)
	}
	frame.Payload = data
	return nil
}
