/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package wire

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/clasp-router/clasp/value"
)

// legacyHandle configures MessagePack for encoding version 0, the
// format spoken by pre-1.0 CLASP clients still seen on some studio
// networks. New connections always negotiate version 1 (the tagged
// positional codec in codec.go); this path exists only to read them.
var legacyHandle = &codec.MsgpackHandle{}

// legacySet is the encoding-version-0 wire shape of a Set message: a
// 3-element array [address, value, revision]. It was the only message
// type worth carrying forward, since legacy clients used it for both
// parameter writes and fire-and-forget publishes.
type legacySet struct {
	Address  string
	Value    legacyValue
	Revision uint64
}

// legacyValue mirrors the handful of MessagePack types the old clients
// actually emitted: nil, bool, int64, float64 and string. Anything
// else decodes as an error.
type legacyValue struct {
	V any
}

func (lv *legacyValue) CodecEncodeSelf(*codec.Encoder) {}

func (lv *legacyValue) CodecDecodeSelf(d *codec.Decoder) {
	d.Decode(&lv.V)
}

func toValue(v any) (value.Value, error) {
	switch t := v.(type) {
	case nil:
		return value.Null(), nil
	case bool:
		return value.Bool(t), nil
	case int64:
		return value.Int(t), nil
	case uint64:
		return value.Int(int64(t)), nil
	case float64:
		return value.Float(t), nil
	case float32:
		return value.Float(float64(t)), nil
	case string:
		return value.String(t), nil
	case []byte:
		return value.Bytes(t), nil
	default:
		return value.Value{}, fmt.Errorf("%w: legacy value of type %T unsupported", ErrMalformedMessage, v)
	}
}

// DecodeLegacySet decodes an encoding-version-0 payload into a Set
// message. It is the only legacy message type the router still
// accepts; everything else must be re-sent by a client that has
// negotiated encoding version 1.
func DecodeLegacySet(payload []byte) (*Set, error) {
	var ls legacySet
	dec := codec.NewDecoder(bytes.NewReader(payload), legacyHandle)
	if err := dec.Decode(&ls); err != nil {
		return nil, fmt.Errorf("%w: legacy msgpack decode failed: %v", ErrMalformedMessage, err)
	}
	v, err := toValue(ls.Value.V)
	if err != nil {
		return nil, err
	}
	return &Set{
		Address:  ls.Address,
		Value:    v,
		Strategy: StrategyLWW,
		QoS:      QoSFire,
		Revision: ls.Revision,
	}, nil
}
