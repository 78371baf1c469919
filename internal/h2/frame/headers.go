package frame

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2/hpack"
)

// HeaderEncoder encodes header lists into HPACK header blocks.
type HeaderEncoder struct {
	encoder *hpack.Encoder
	buf     bytes.Buffer
}

// NewHeaderEncoder creates an encoder with a fresh dynamic table.
func NewHeaderEncoder() *HeaderEncoder {
	e := &HeaderEncoder{}
	e.encoder = hpack.NewEncoder(&e.buf)
	return e
}

// Encode encodes the header list in order and returns the block. The
// returned slice is a copy; the encoder may be reused immediately.
func (e *HeaderEncoder) Encode(headers [][2]string) ([]byte, error) {
	e.buf.Reset()
	for _, h := range headers {
		if err := e.encoder.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]}); err != nil {
			return nil, err
		}
	}
	block := make([]byte, e.buf.Len())
	copy(block, e.buf.Bytes())
	return block, nil
}

// HeaderDecoder decodes HPACK header blocks. Both ends of a connection
// share one decoder so the dynamic table stays in sync across requests.
type HeaderDecoder struct {
	decoder *hpack.Decoder
}

// NewHeaderDecoder creates a decoder whose dynamic table is capped at
// maxTableSize bytes.
func NewHeaderDecoder(maxTableSize uint32) *HeaderDecoder {
	return &HeaderDecoder{decoder: hpack.NewDecoder(maxTableSize, nil)}
}

// SetMaxDynamicTableSize applies a HEADER_TABLE_SIZE settings update.
func (d *HeaderDecoder) SetMaxDynamicTableSize(size uint32) {
	d.decoder.SetMaxDynamicTableSize(size)
}

// Decode decodes one complete header block into an ordered header list.
func (d *HeaderDecoder) Decode(block []byte) ([][2]string, error) {
	headers := make([][2]string, 0, 8)
	d.decoder.SetEmitFunc(func(hf hpack.HeaderField) {
		headers = append(headers, [2]string{hf.Name, hf.Value})
	})
	defer d.decoder.SetEmitFunc(nil)

	if _, err := d.decoder.Write(block); err != nil {
		return nil, fmt.Errorf("hpack decode error: %w", err)
	}
	if err := d.decoder.Close(); err != nil {
		return nil, fmt.Errorf("hpack decode error: %w", err)
	}
	return headers, nil
}
