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
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// OptionNumber identifies a CoAP option (RFC 7252 section 5.10, RFC 7959, RFC 7641).
type OptionNumber uint16

// Known option numbers.
const (
	OptionIfMatch       OptionNumber = 1
	OptionURIHost       OptionNumber = 3
	OptionETag          OptionNumber = 4
	OptionIfNoneMatch   OptionNumber = 5
	OptionObserve       OptionNumber = 6
	OptionURIPort       OptionNumber = 7
	OptionLocationPath  OptionNumber = 8
	OptionURIPath       OptionNumber = 11
	OptionContentFormat OptionNumber = 12
	OptionMaxAge        OptionNumber = 14
	OptionURIQuery      OptionNumber = 15
	OptionAccept        OptionNumber = 17
	OptionLocationQuery OptionNumber = 20
	OptionBlock2        OptionNumber = 23
	OptionBlock1        OptionNumber = 27
	OptionSize2         OptionNumber = 28
	OptionProxyURI      OptionNumber = 35
	OptionProxyScheme   OptionNumber = 39
	OptionSize1         OptionNumber = 60
)

// IsCritical reports whether an unrecognized option with this number must
// cause the message to be rejected (RFC 7252 section 5.4.1: critical options
// have an odd option number).
func (o OptionNumber) IsCritical() bool { return o&1 == 1 }

// IsUnsafe reports whether a proxy forwarding this option must understand it
// or remove it (bit 1 of the number, RFC 7252 section 5.4.2).
func (o OptionNumber) IsUnsafe() bool { return o&2 == 2 }

// IsNoCacheKey reports whether the option must be excluded from a cache key
// when it is unsafe-to-forward but not used for caching (RFC 7252 section 5.4.2).
func (o OptionNumber) IsNoCacheKey() bool { return o&0x1e == 0x1c }

type valueKind uint8

const (
	kindOpaque valueKind = iota
	kindString
	kindUint
	kindEmpty
)

type optionDef struct {
	kind       valueKind
	repeatable bool
	minLen     int
	maxLen     int
}

var optionDefs = map[OptionNumber]optionDef{
	OptionIfMatch:       {kind: kindOpaque, repeatable: true, minLen: 0, maxLen: 8},
	OptionURIHost:       {kind: kindString, minLen: 1, maxLen: 255},
	OptionETag:          {kind: kindOpaque, repeatable: true, minLen: 1, maxLen: 8},
	OptionIfNoneMatch:   {kind: kindEmpty},
	OptionObserve:       {kind: kindUint, minLen: 0, maxLen: 3},
	OptionURIPort:       {kind: kindUint, minLen: 0, maxLen: 2},
	OptionLocationPath:  {kind: kindString, repeatable: true, minLen: 0, maxLen: 255},
	OptionURIPath:       {kind: kindString, repeatable: true, minLen: 0, maxLen: 255},
	OptionContentFormat: {kind: kindUint, minLen: 0, maxLen: 2},
	OptionMaxAge:        {kind: kindUint, minLen: 0, maxLen: 4},
	OptionURIQuery:      {kind: kindString, repeatable: true, minLen: 0, maxLen: 255},
	OptionAccept:        {kind: kindUint, minLen: 0, maxLen: 2},
	OptionLocationQuery: {kind: kindString, repeatable: true, minLen: 0, maxLen: 255},
	OptionBlock2:        {kind: kindUint, minLen: 0, maxLen: 3},
	OptionBlock1:        {kind: kindUint, minLen: 0, maxLen: 3},
	OptionSize2:         {kind: kindUint, minLen: 0, maxLen: 4},
	OptionProxyURI:      {kind: kindString, minLen: 1, maxLen: 1034},
	OptionProxyScheme:   {kind: kindString, minLen: 1, maxLen: 255},
	OptionSize1:         {kind: kindUint, minLen: 0, maxLen: 4},
}

// Option is a single (number, value) entry. Value holds raw bytes on the
// wire; typed access goes through the Options getters below.
type Option struct {
	Number OptionNumber
	Value  []byte
}

// Options is an ordered list of option entries, sorted by Number for
// encoding. A repeatable option (Uri-Path, Uri-Query, ETag, ...) appears as
// multiple entries.
type Options []Option

// sortedCopy returns the options sorted by Number, stable on equal numbers
// so repeated options preserve caller order.
func (o Options) sortedCopy() Options {
	cp := make(Options, len(o))
	copy(cp, o)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Number < cp[j].Number })
	return cp
}

// Add appends an option entry without removing existing ones of the same number.
func (o *Options) Add(num OptionNumber, value []byte) {
	*o = append(*o, Option{Number: num, Value: value})
}

// Set replaces all entries for num with a single entry. Use Add or
// SetStrings for repeatable options.
func (o *Options) Set(num OptionNumber, value []byte) {
	o.Remove(num)
	o.Add(num, value)
}

// Remove deletes every entry for num.
func (o *Options) Remove(num OptionNumber) {
	out := (*o)[:0]
	for _, e := range *o {
		if e.Number != num {
			out = append(out, e)
		}
	}
	*o = out
}

// Get returns the first value for num, or nil if absent.
func (o Options) Get(num OptionNumber) []byte {
	for _, e := range o {
		if e.Number == num {
			return e.Value
		}
	}
	return nil
}

// GetAll returns every value for num, in the order they were added.
func (o Options) GetAll(num OptionNumber) [][]byte {
	var out [][]byte
	for _, e := range o {
		if e.Number == num {
			out = append(out, e.Value)
		}
	}
	return out
}

// Has reports whether any entry for num is present.
func (o Options) Has(num OptionNumber) bool {
	for _, e := range o {
		if e.Number == num {
			return true
		}
	}
	return false
}

func encodeUint(v uint32) []byte {
	if v == 0 {
		return nil
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	i := 0
	for i < 3 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

func decodeUint(b []byte) uint32 {
	var buf [4]byte
	copy(buf[4-len(b):], b)
	return binary.BigEndian.Uint32(buf[:])
}

// SetUint sets a uint-valued option (Content-Format, Accept, Max-Age, ...),
// trimming leading zero bytes per RFC 7252 section 3.2.
func (o *Options) SetUint(num OptionNumber, v uint32) {
	o.Set(num, encodeUint(v))
}

// GetUint reads the first value for num as a big-endian uint, 0 if absent.
func (o Options) GetUint(num OptionNumber) uint32 {
	return decodeUint(o.Get(num))
}

// SetString sets a string-valued option.
func (o *Options) SetString(num OptionNumber, v string) {
	o.Set(num, []byte(v))
}

// GetString reads the first value for num as a UTF-8 string.
func (o Options) GetString(num OptionNumber) string {
	return string(o.Get(num))
}

// SetStrings sets a repeatable string option (Uri-Path, Uri-Query, ...) from
// a slice, producing one entry per element. Callers who want a single
// segment must wrap it ([]string{seg}).
func (o *Options) SetStrings(num OptionNumber, vs []string) {
	o.Remove(num)
	for _, v := range vs {
		o.Add(num, []byte(v))
	}
}

// GetStrings reads every value for num as strings, in order.
func (o Options) GetStrings(num OptionNumber) []string {
	raw := o.GetAll(num)
	out := make([]string, len(raw))
	for i, b := range raw {
		out[i] = string(b)
	}
	return out
}

// Path returns the Uri-Path segments joined with "/".
func (o Options) Path() string {
	return strings.Join(o.PathSegments(), "/")
}

// PathSegments returns the Uri-Path option values, in order.
func (o Options) PathSegments() []string {
	return o.GetStrings(OptionURIPath)
}

// SetPath replaces the Uri-Path options from a "/"-joined string.
func (o *Options) SetPath(path string) {
	path = strings.Trim(path, "/")
	if path == "" {
		o.Remove(OptionURIPath)
		return
	}
	o.SetStrings(OptionURIPath, strings.Split(path, "/"))
}

// ContentFormat returns the Content-Format option value.
func (o Options) ContentFormat() (MediaType, bool) {
	if !o.Has(OptionContentFormat) {
		return 0, false
	}
	return MediaType(o.GetUint(OptionContentFormat)), true
}

// SetContentFormat sets the Content-Format option.
func (o *Options) SetContentFormat(mt MediaType) {
	o.SetUint(OptionContentFormat, uint32(mt))
}

// Accept returns the Accept option value.
func (o Options) Accept() (MediaType, bool) {
	if !o.Has(OptionAccept) {
		return 0, false
	}
	return MediaType(o.GetUint(OptionAccept)), true
}

// Observe returns the Observe option's sequence number and whether it was present.
func (o Options) Observe() (uint32, bool) {
	if !o.Has(OptionObserve) {
		return 0, false
	}
	return o.GetUint(OptionObserve), true
}

// SetObserve sets the Observe option to a 24-bit sequence number.
func (o *Options) SetObserve(seq uint32) {
	o.SetUint(OptionObserve, seq&0xffffff)
}

// ETags returns every ETag option value.
func (o Options) ETags() [][]byte {
	return o.GetAll(OptionETag)
}

// Block returns the decoded Block1 or Block2 option, if present.
func (o Options) Block(num OptionNumber) (BlockValue, bool) {
	if !o.Has(num) {
		return BlockValue{}, false
	}
	bv, err := DecodeBlockOption(o.GetUint(num))
	if err != nil {
		return BlockValue{}, false
	}
	return bv, true
}

// SetBlock encodes and sets a Block1 or Block2 option.
func (o *Options) SetBlock(num OptionNumber, bv BlockValue) error {
	v, err := EncodeBlockOption(bv)
	if err != nil {
		return err
	}
	o.SetUint(num, v)
	return nil
}

// MediaType is the Content-Format/Accept registry value (RFC 7252 section 12.3).
type MediaType uint16

const (
	MediaTypeTextPlain   MediaType = 0
	MediaTypeLinkFormat  MediaType = 40
	MediaTypeXML         MediaType = 41
	MediaTypeOctetStream MediaType = 42
	MediaTypeEXI         MediaType = 47
	MediaTypeJSON        MediaType = 50
	MediaTypeCBOR        MediaType = 60
)

func (m MediaType) String() string {
	switch m {
	case MediaTypeTextPlain:
		return "text/plain;charset=utf-8"
	case MediaTypeLinkFormat:
		return "application/link-format"
	case MediaTypeXML:
		return "application/xml"
	case MediaTypeOctetStream:
		return "application/octet-stream"
	case MediaTypeEXI:
		return "application/exi"
	case MediaTypeJSON:
		return "application/json"
	case MediaTypeCBOR:
		return "application/cbor"
	default:
		return fmt.Sprintf("media-type(%d)", uint16(m))
	}
}

// validateOption checks an option's length against its definition and, for
// an unrecognized critical option, reports that via ok=false so the caller
// can reject the message with 4.02 Bad Option.
func validateOption(num OptionNumber, value []byte) (known, ok bool) {
	def, isKnown := optionDefs[num]
	if !isKnown {
		return false, !num.IsCritical()
	}
	if len(value) < def.minLen || len(value) > def.maxLen {
		return true, false
	}
	return true, true
}
