// Copyright 2024 The CoAP Core Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coap

import (
	"bytes"
	"encoding/binary"
)

const (
	protocolVersion = 1

	extOptByte = 13
	extOptWord = 14
	extOptErr  = 15

	extOptByteAddend = 13
	extOptWordAddend = 269
)

// Encode serializes m into its RFC 7252 wire form. Options are sorted by
// number first (the caller's insertion order within one number is kept for
// repeatable options); deltas are encoded against the running option number.
func Encode(m *Message) ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, &FormatError{Reason: "token length exceeds 8 bytes"}
	}
	if m.IsEmpty() && (len(m.Token) > 0 || len(m.Options) > 0 || len(m.Payload) > 0) {
		return nil, &FormatError{Reason: "empty message must carry no token, options or payload"}
	}

	var buf bytes.Buffer
	header := byte(protocolVersion<<6) | byte(m.Type)<<4 | byte(len(m.Token)&0xf)
	buf.WriteByte(header)
	buf.WriteByte(byte(m.Code))
	var mid [2]byte
	binary.BigEndian.PutUint16(mid[:], m.MessageID)
	buf.Write(mid[:])
	buf.Write(m.Token)

	sorted := m.Options.sortedCopy()
	prev := OptionNumber(0)
	for _, opt := range sorted {
		delta := int(opt.Number) - int(prev)
		if delta < 0 {
			delta = 0 // sortedCopy guarantees non-decreasing order already
		}
		writeOptionHeader(&buf, delta, len(opt.Value))
		buf.Write(opt.Value)
		prev = opt.Number
	}

	if len(m.Payload) > 0 {
		buf.WriteByte(0xff)
		buf.Write(m.Payload)
	}
	return buf.Bytes(), nil
}

func writeOptionHeader(buf *bytes.Buffer, delta, length int) {
	d, dExt := extendField(delta)
	l, lExt := extendField(length)
	buf.WriteByte(byte(d<<4) | byte(l))
	writeExtendedField(buf, d, dExt)
	writeExtendedField(buf, l, lExt)
}

func extendField(v int) (nibble, extended int) {
	switch {
	case v < extOptByteAddend:
		return v, 0
	case v < extOptWordAddend:
		return extOptByte, v - extOptByteAddend
	default:
		return extOptWord, v - extOptWordAddend
	}
}

func writeExtendedField(buf *bytes.Buffer, nibble, extended int) {
	switch nibble {
	case extOptByte:
		buf.WriteByte(byte(extended))
	case extOptWord:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(extended))
		buf.Write(b[:])
	}
}

// Decode parses data into a Message. It rejects an unsupported version, an
// out-of-range token length, and a payload marker with nothing after it
// (RFC 7252 section 3), returning a *FormatError.
// An unrecognized critical option yields a *BadOptionError once option
// parsing completes, rather than aborting mid-stream, so remaining
// non-critical options are still preserved for forwarding.
func Decode(data []byte) (*Message, error) {
	if len(data) < 4 {
		return nil, &FormatError{Reason: "shorter than the 4-byte header"}
	}
	if data[0]>>6 != protocolVersion {
		return nil, &FormatError{Reason: "unsupported version"}
	}
	m := &Message{
		Type:      Type((data[0] >> 4) & 0x3),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}
	// From here on, a returned error is always paired with a non-nil m (at
	// least Type/Code/MessageID are valid) so the message layer can still
	// answer a malformed datagram with RST using the right MID.
	tkl := int(data[0] & 0xf)
	if tkl > MaxTokenLength {
		return m, &FormatError{Reason: "token length exceeds 8 bytes"}
	}

	rest := data[4:]
	if len(rest) < tkl {
		return m, &FormatError{Reason: "truncated token"}
	}
	if tkl > 0 {
		m.Token = append(Token(nil), rest[:tkl]...)
	}
	rest = rest[tkl:]

	var badOption *BadOptionError
	prev := OptionNumber(0)
	for len(rest) > 0 {
		if rest[0] == 0xff {
			rest = rest[1:]
			if len(rest) == 0 {
				return m, &FormatError{Reason: "payload marker with no payload"}
			}
			break
		}
		deltaNibble := int(rest[0] >> 4)
		lengthNibble := int(rest[0] & 0x0f)
		if deltaNibble == extOptErr || lengthNibble == extOptErr {
			return m, &FormatError{Reason: "reserved option nibble 15/15"}
		}
		rest = rest[1:]

		delta, consumed, err := readExtendedField(deltaNibble, rest)
		if err != nil {
			return m, err
		}
		rest = rest[consumed:]

		length, consumed, err := readExtendedField(lengthNibble, rest)
		if err != nil {
			return m, err
		}
		rest = rest[consumed:]

		if len(rest) < length {
			return m, &FormatError{Reason: "truncated option value"}
		}
		num := prev + OptionNumber(delta)
		value := rest[:length]
		rest = rest[length:]
		prev = num

		known, ok := validateOption(num, value)
		if !ok {
			if !known && num.IsCritical() {
				if badOption == nil {
					badOption = &BadOptionError{Number: num}
				}
				continue
			}
			if known {
				// known option with an out-of-range length: drop it silently,
				// matching the decoder's "skip options with illegal value
				// length" rule (RFC 7252 section 5.4.3).
				continue
			}
		}
		m.Options = append(m.Options, Option{Number: num, Value: append([]byte(nil), value...)})
	}
	m.Payload = append([]byte(nil), rest...)

	if badOption != nil {
		return m, badOption
	}
	if m.IsEmpty() && (len(m.Token) > 0 || len(m.Options) > 0 || len(m.Payload) > 0) {
		return m, &FormatError{Reason: "empty message must carry no token, options or payload"}
	}
	return m, nil
}

func readExtendedField(nibble int, rest []byte) (value, consumed int, err error) {
	switch nibble {
	case extOptByte:
		if len(rest) < 1 {
			return 0, 0, &FormatError{Reason: "truncated extended option field"}
		}
		return int(rest[0]) + extOptByteAddend, 1, nil
	case extOptWord:
		if len(rest) < 2 {
			return 0, 0, &FormatError{Reason: "truncated extended option field"}
		}
		return int(binary.BigEndian.Uint16(rest[:2])) + extOptWordAddend, 2, nil
	default:
		return nibble, 0, nil
	}
}
