package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// WriteJSONBlob writes a length-prefixed JSON blob to the given writer. It
// expects the blob to be read using 'ReadJSONBlob'.
func WriteJSONBlob(dst io.Writer, obj interface{}) error {
	var jsonBlob bytes.Buffer
	enc := json.NewEncoder(&jsonBlob)
	if err := enc.Encode(obj); err != nil {
		return err
	}

	var jsonBlobLenBuf bytes.Buffer
	if err := binary.Write(&jsonBlobLenBuf, binary.BigEndian, int32(jsonBlob.Len())); err != nil {
		panic(fmt.Errorf("could not binary encode an int32: %v", err))
	}

	if _, err := dst.Write(jsonBlobLenBuf.Bytes()); err != nil {
		return errors.Wrap(err, "could not write json length")
	}
	if _, err := dst.Write(jsonBlob.Bytes()); err != nil {
		return errors.Wrap(err, "could not write json")
	}
	return nil
}

// ReadJSONBlob reads a length-prefixed JSON blob written by WriteJSONBlob.
func ReadJSONBlob(src io.Reader, obj interface{}) error {
	var jsonLen int32
	if err := binary.Read(src, binary.BigEndian, &jsonLen); err != nil {
		return errors.Wrap(err, "protocol error: could not read length of json")
	}
	if jsonLen < 0 {
		return errors.Errorf("protocol error: negative json length %d", jsonLen)
	}

	// Don't decode directly from src, but rather go through a buffer.
	// `json.Decode` uses a buffered reader which would read past the end of
	// the message and eat the start of the next one.
	data := make([]byte, jsonLen)
	if n, err := io.ReadFull(src, data); err != nil {
		return errors.Wrapf(err, "unable to read expected json length (expected %v, got %v)", jsonLen, n)
	}

	if err := json.Unmarshal(data, obj); err != nil {
		return errors.Wrap(err, "can't decode message")
	}
	return nil
}
