package client

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Marshaller turns keys and values into the bytes sent to the server.
type Marshaller[K, V any] interface {
	MarshalKey(key K) ([]byte, error)
	UnmarshalKey(b []byte) (K, error)
	MarshalValue(value V) ([]byte, error)
	UnmarshalValue(b []byte) (V, error)
}

// BytesMarshaller stores string keys and raw byte values as they are.
type BytesMarshaller struct{}

var _ Marshaller[string, []byte] = BytesMarshaller{}

func (BytesMarshaller) MarshalKey(key string) ([]byte, error) { return []byte(key), nil }

func (BytesMarshaller) UnmarshalKey(b []byte) (string, error) { return string(b), nil }

func (BytesMarshaller) MarshalValue(value []byte) ([]byte, error) {
	if value == nil {
		return nil, fmt.Errorf("nil values are not supported")
	}
	return value, nil
}

func (BytesMarshaller) UnmarshalValue(b []byte) ([]byte, error) { return b, nil }

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONMarshaller encodes keys and values as JSON. Keys that are slices or
// structs are compared by their encoding, so two equal keys always address the
// same entry.
type JSONMarshaller[K, V any] struct{}

func (JSONMarshaller[K, V]) MarshalKey(key K) ([]byte, error) {
	b, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return b, nil
}

func (JSONMarshaller[K, V]) UnmarshalKey(b []byte) (K, error) {
	var k K
	if err := json.Unmarshal(b, &k); err != nil {
		return k, fmt.Errorf("unmarshal key: %w", err)
	}
	return k, nil
}

func (JSONMarshaller[K, V]) MarshalValue(value V) ([]byte, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return b, nil
}

func (JSONMarshaller[K, V]) UnmarshalValue(b []byte) (V, error) {
	var v V
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}
