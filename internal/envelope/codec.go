package envelope

import (
	"fmt"
	"reflect"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultCompressAbove is the default payload-byte-size threshold above
// which the encoded envelope is zstd-compressed before leaving the process.
// A Codec's CompressAbove field holds the threshold it actually applies.
const DefaultCompressAbove = 4096

// wireEnvelope is the on-the-wire representation of an Envelope. Message is
// split into a discriminated shape rather than encoded polymorphically,
// because msgpack (like JSON) cannot recover a *Record's schema from an
// `any` field without a side channel telling it which schema to use.
type wireEnvelope struct {
	FromPID string `msgpack:"from_pid"`
	Ident   string `msgpack:"ident"`
	Ref     string `msgpack:"ref"`
	Kind    string `msgpack:"kind"` // "string" | "record" | "error" | "nil"

	Text   string `msgpack:"text,omitempty"`
	Schema string `msgpack:"schema,omitempty"`
	Values []any  `msgpack:"values,omitempty"`

	ErrValue   string `msgpack:"err_value,omitempty"`
	ErrExcInfo string `msgpack:"err_exc_info,omitempty"`
}

func toWire(env Envelope) (*wireEnvelope, error) {
	w := &wireEnvelope{FromPID: env.FromPID, Ident: env.Ident, Ref: env.Ref}
	switch m := env.Message.(type) {
	case nil:
		w.Kind = "nil"
	case string:
		w.Kind = "string"
		w.Text = m
	case *Record:
		w.Kind = "record"
		w.Schema = m.schema.Name
		w.Values = m.values
	case *ExchangeError:
		w.Kind = "error"
		w.ErrValue = m.Value
		w.ErrExcInfo = m.ExcInfo
	default:
		return nil, fmt.Errorf("envelope: message of type %T is not transport-safe", m)
	}
	return w, nil
}

func fromWire(w *wireEnvelope) (Envelope, error) {
	var msg any
	switch w.Kind {
	case "nil":
		msg = nil
	case "string":
		msg = w.Text
	case "record":
		schema, ok := lookupSchema(w.Schema)
		if !ok {
			return Envelope{}, fmt.Errorf("envelope: unknown schema %q on decode", w.Schema)
		}
		rec, err := NewRecord(schema, widenWireValues(schema, w.Values)...)
		if err != nil {
			return Envelope{}, fmt.Errorf("envelope: decoding record %q: %w", w.Schema, err)
		}
		msg = rec
	case "error":
		msg = NewExchangeError(w.ErrValue, w.ErrExcInfo)
	default:
		return Envelope{}, fmt.Errorf("envelope: unknown wire kind %q", w.Kind)
	}
	return Envelope{FromPID: w.FromPID, Ident: w.Ident, Message: msg, Ref: w.Ref}, nil
}

// Codec encodes and decodes envelopes for transport across a process
// boundary, compressing large payloads and stamping a checksum used as a
// cheap corruption/dedup signal.
type Codec struct {
	CompressAbove int

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec builds a Codec. compressAbove <= 0 uses DefaultCompressAbove.
func NewCodec(compressAbove int) (*Codec, error) {
	if compressAbove <= 0 {
		compressAbove = DefaultCompressAbove
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: building zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: building zstd decoder: %w", err)
	}
	return &Codec{CompressAbove: compressAbove, encoder: enc, decoder: dec}, nil
}

// frame flags, prefixed as the first byte of an encoded envelope.
const (
	flagRaw        byte = 0x00
	flagCompressed byte = 0x01
)

// Encode serializes env for transport. The returned bytes begin with a
// one-byte compression flag, followed by an 8-byte little-endian xxhash
// checksum of the (uncompressed) payload, followed by the payload itself.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	w, err := toWire(env)
	if err != nil {
		return nil, err
	}
	body, err := msgpack.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("envelope: msgpack encode: %w", err)
	}
	sum := xxhash.Sum64(body)

	flag := flagRaw
	payload := body
	if len(body) > c.CompressAbove {
		flag = flagCompressed
		payload = c.encoder.EncodeAll(body, nil)
	}

	out := make([]byte, 0, 1+8+len(payload))
	out = append(out, flag)
	out = appendUint64(out, sum)
	out = append(out, payload...)
	return out, nil
}

// Decode reverses Encode. A checksum mismatch does not fail the decode;
// Decode reports it as the returned checksumOK bool and leaves the reaction
// to the caller. broker.Server and client.Remote discard this flag, so a
// mismatch is neither logged nor rejected on those paths.
func (c *Codec) Decode(data []byte) (env Envelope, checksumOK bool, err error) {
	if len(data) < 9 {
		return Envelope{}, false, fmt.Errorf("envelope: frame too short (%d bytes)", len(data))
	}
	flag := data[0]
	wantSum := readUint64(data[1:9])
	body := data[9:]

	if flag == flagCompressed {
		body, err = c.decoder.DecodeAll(body, nil)
		if err != nil {
			return Envelope{}, false, fmt.Errorf("envelope: zstd decode: %w", err)
		}
	}
	gotSum := xxhash.Sum64(body)

	var w wireEnvelope
	if err := msgpack.Unmarshal(body, &w); err != nil {
		return Envelope{}, false, fmt.Errorf("envelope: msgpack decode: %w", err)
	}
	env, err = fromWire(&w)
	if err != nil {
		return Envelope{}, false, err
	}
	return env, gotSum == wantSum, nil
}

// widenWireValues repairs the numeric narrowing msgpack applies when
// decoding integers into an `any` target: vmihailenco/msgpack decodes to the
// smallest signed type that fits (int8/int16/int32/int64), not the original
// encoded Go type, so a schema field declared as e.g. `int` would otherwise
// fail NewRecord's AssignableTo check on every value round-tripped over the
// wire. Only numeric-to-numeric conversions are attempted; anything else is
// passed through for NewRecord's own validation to accept or reject.
func widenWireValues(schema *Schema, values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
		if i >= len(schema.Fields) || v == nil {
			continue
		}
		want := schema.Fields[i].Type
		if want == nil {
			continue
		}
		rv := reflect.ValueOf(v)
		if rv.Type() == want {
			continue
		}
		if isNumericKind(rv.Kind()) && isNumericKind(want.Kind()) && rv.Type().ConvertibleTo(want) {
			out[i] = rv.Convert(want).Interface()
		}
	}
	return out
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

func appendUint64(b []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		b = append(b, byte(v))
		v >>= 8
	}
	return b
}

func readUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
