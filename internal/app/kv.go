package app

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	kvOpGet byte = 0
	kvOpSet byte = 1
)

// KV is an in-memory key-value application, carried over from
// original_source/ubft-apps/src/app/memc.hpp's intent (a key-value
// sample app exercising consensus with variable-size reads/writes)
// without that file's dependency on spawning and proxying to a real
// external memcached process: its wire format here is this package's
// own minimal binary GET/SET encoding rather than the memcached text
// protocol, since nothing else in this module needs memcached
// compatibility.
type KV struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewKV returns an empty KV application.
func NewKV() *KV {
	return &KV{data: make(map[string][]byte)}
}

// Execute decodes a GET or SET request and applies it.
//
// GET wire format:  0x00 | keyLen(2) | key
// GET response:     found(1) | [valueLen(4) | value, if found]
//
// SET wire format:  0x01 | keyLen(2) | key | valueLen(4) | value
// SET response:     0x01 (ack)
func (kv *KV) Execute(request []byte) ([]byte, error) {
	if len(request) < 1 {
		return nil, fmt.Errorf("app: kv request too short")
	}
	switch request[0] {
	case kvOpGet:
		key, _, err := decodeKeyed(request[1:])
		if err != nil {
			return nil, fmt.Errorf("app: kv get: %w", err)
		}
		kv.mu.Lock()
		value, ok := kv.data[string(key)]
		kv.mu.Unlock()
		if !ok {
			return []byte{0}, nil
		}
		resp := make([]byte, 5+len(value))
		resp[0] = 1
		binary.LittleEndian.PutUint32(resp[1:5], uint32(len(value)))
		copy(resp[5:], value)
		return resp, nil
	case kvOpSet:
		key, rest, err := decodeKeyed(request[1:])
		if err != nil {
			return nil, fmt.Errorf("app: kv set: %w", err)
		}
		if len(rest) < 4 {
			return nil, fmt.Errorf("app: kv set: truncated value length")
		}
		valueLen := int(binary.LittleEndian.Uint32(rest[:4]))
		if len(rest) < 4+valueLen {
			return nil, fmt.Errorf("app: kv set: truncated value")
		}
		value := append([]byte(nil), rest[4:4+valueLen]...)
		kv.mu.Lock()
		kv.data[string(key)] = value
		kv.mu.Unlock()
		return []byte{1}, nil
	default:
		return nil, fmt.Errorf("app: kv unknown opcode %d", request[0])
	}
}

func decodeKeyed(buf []byte) (key, rest []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("truncated key length")
	}
	keyLen := int(binary.LittleEndian.Uint16(buf[:2]))
	if len(buf) < 2+keyLen {
		return nil, nil, fmt.Errorf("truncated key")
	}
	return buf[2 : 2+keyLen], buf[2+keyLen:], nil
}

// EncodeGet builds a GET request for key.
func EncodeGet(key string) []byte {
	buf := make([]byte, 3+len(key))
	buf[0] = kvOpGet
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(key)))
	copy(buf[3:], key)
	return buf
}

// EncodeSet builds a SET request for key/value.
func EncodeSet(key string, value []byte) []byte {
	buf := make([]byte, 7+len(key)+len(value))
	buf[0] = kvOpSet
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(key)))
	copy(buf[3:], key)
	binary.LittleEndian.PutUint32(buf[3+len(key):7+len(key)], uint32(len(value)))
	copy(buf[7+len(key):], value)
	return buf
}

// DecodeGetResponse parses Execute's GET response.
func DecodeGetResponse(resp []byte) (value []byte, found bool, err error) {
	if len(resp) < 1 {
		return nil, false, fmt.Errorf("app: truncated kv get response")
	}
	if resp[0] == 0 {
		return nil, false, nil
	}
	if len(resp) < 5 {
		return nil, false, fmt.Errorf("app: truncated kv get response value length")
	}
	valueLen := int(binary.LittleEndian.Uint32(resp[1:5]))
	if len(resp) < 5+valueLen {
		return nil, false, fmt.Errorf("app: truncated kv get response value")
	}
	return resp[5 : 5+valueLen], true, nil
}
