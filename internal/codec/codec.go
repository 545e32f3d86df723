package codec

import "encoding/json"

// Serializer converts values to and from their stored representation. The
// snapshot store, the durable log backend, and the notification wire
// encoding (EncodeNotification, DecodeNotification, Sink) all take one as a
// capability.
type Serializer[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

const NameJSON = "json"

// JSON is the default serializer for snapshot and entry payloads.
type JSON[T any] struct{}

func (JSON[T]) Marshal(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}
