package lib

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Marshal() serializes a message into canonical bytes
// Struct fields serialize in declaration order, which makes the output
// deterministic for a fixed type and suitable as signing input
func Marshal(message any) ([]byte, ErrorI) {
	bz, err := json.Marshal(message)
	if err != nil {
		return nil, ErrJSONMarshal(err)
	}
	return bz, nil
}

// Unmarshal() deserializes canonical bytes into a pointer
func Unmarshal(data []byte, ptr any) ErrorI {
	if err := json.Unmarshal(data, ptr); err != nil {
		return ErrJSONUnmarshal(err)
	}
	return nil
}

// MarshalJSONIndent() serializes a message into 'pretty' json bytes
func MarshalJSONIndent(message any) ([]byte, ErrorI) {
	bz, err := json.MarshalIndent(message, "", "  ")
	if err != nil {
		return nil, ErrJSONMarshal(err)
	}
	return bz, nil
}

// NewJSONFromFile() populates an object from a json file
func NewJSONFromFile(o any, dataDirPath, filePath string) ErrorI {
	bz, err := os.ReadFile(filepath.Join(dataDirPath, filePath))
	if err != nil {
		return ErrReadFile(err)
	}
	return Unmarshal(bz, o)
}

// BytesToString() encodes bytes to a hex string
func BytesToString(b []byte) string {
	return hex.EncodeToString(b)
}

// StringToBytes() decodes a hex string to bytes
func StringToBytes(s string) ([]byte, ErrorI) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrStringToBytes(err)
	}
	return b, nil
}

// BytesToTruncatedString() converts bytes to a hex string truncated to 10 characters
func BytesToTruncatedString(b []byte) string {
	if len(b) > 5 {
		return hex.EncodeToString(b[:5])
	}
	return hex.EncodeToString(b)
}

// HexBytes is a byte slice that json-serializes as a hex string
type HexBytes []byte

// NewHexBytesFromString() converts a hex string into HexBytes
func NewHexBytesFromString(s string) (HexBytes, ErrorI) {
	return StringToBytes(s)
}

// String() converts HexBytes into a hex string
func (x HexBytes) String() string {
	return BytesToString(x)
}

// MarshalJSON() implements the json.Marshaler interface for HexBytes
func (x HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(x.String())
}

// UnmarshalJSON() implements the json.Unmarshaler interface for HexBytes
func (x *HexBytes) UnmarshalJSON(b []byte) (err error) {
	var s string
	if err = json.Unmarshal(b, &s); err != nil {
		return
	}
	*x, err = hex.DecodeString(s)
	return
}

// DeDuplicator is a generic structure to prevent duplicates by key
type DeDuplicator[T comparable] struct {
	m map[T]struct{}
}

// NewDeDuplicator() constructs a DeDuplicator
func NewDeDuplicator[T comparable]() *DeDuplicator[T] {
	return &DeDuplicator[T]{m: make(map[T]struct{})}
}

// Found() checks for the key and marks it seen
func (d *DeDuplicator[T]) Found(k T) bool {
	if _, found := d.m[k]; found {
		return true
	}
	d.m[k] = struct{}{}
	return false
}

// CatchPanic() recovers from a panic and logs it instead of crashing the process
func CatchPanic(l LoggerI) {
	if r := recover(); r != nil {
		l.Error(fmt.Sprintf("recovered from panic: %v", r))
	}
}
