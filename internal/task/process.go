// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ffutop/twain-bridge/twain"
)

// Result of applying a task.
type Result struct {
	Reply json.RawMessage
	Names *Lookup
}

type setting struct {
	cap  twain.CAP
	typ  twain.TWTY
	val  int
	name string
}

// Process applies the first stream of a task that the device accepts and
// returns the task reply plus the names images will be reported under.
func Process(ctx context.Context, dev Device, raw []byte) (*Result, error) {
	t, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	out := reply{Actions: []replyAction{}}
	names := &Lookup{}
	for ai, a := range t.Actions {
		key := fmt.Sprintf("actions[%d]", ai)
		if a.Action != "configure" {
			if a.Exception == "fail" {
				return nil, &Error{Code: CodeInvalidTask, JSONKey: key + ".action"}
			}
			continue
		}
		applied, err := configure(ctx, dev, key, a.Streams, names)
		if err != nil {
			return nil, err
		}
		out.Actions = append(out.Actions, replyAction{
			Action:  "configure",
			Results: results{Success: true},
			Streams: applied,
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &Result{Reply: data, Names: names}, nil
}

func configure(ctx context.Context, dev Device, key string, streams []Stream, names *Lookup) ([]Stream, error) {
	if len(streams) == 0 {
		// An empty configure resets nothing and keeps the defaults.
		return nil, nil
	}
	for si, s := range streams {
		skey := fmt.Sprintf("%s.streams[%d]", key, si)
		streamName := nameOr(s.Name, "stream", si)
		applied, err := applyStream(ctx, dev, skey, streamName, s, names)
		if err == nil {
			applied.Name = streamName
			return []Stream{applied}, nil
		}
		if s.Exception == "fail" {
			return nil, err
		}
	}
	return nil, &Error{Code: CodeInvalidTask, JSONKey: key + ".streams"}
}

func applyStream(ctx context.Context, dev Device, key, streamName string, s Stream, names *Lookup) (Stream, error) {
	var out Stream
	if len(s.Sources) == 0 {
		return out, &Error{Code: CodeInvalidTask, JSONKey: key + ".sources"}
	}
	for si, src := range s.Sources {
		skey := fmt.Sprintf("%s.sources[%d]", key, si)
		sourceName := nameOr(src.Name, "source", si)
		primary := len(out.Sources) == 0
		settings, err := sourceSettings(src.Source, skey)
		if err == nil && primary {
			err = apply(ctx, dev, settings, skey+".source")
		}
		if err != nil {
			if src.Exception == "fail" {
				return out, err
			}
			continue
		}
		applied := Source{Source: src.Source, Name: sourceName}
		formats := src.PixelFormats
		if len(formats) == 0 {
			formats = []PixelFormat{{PixelFormat: "gray8"}}
		}
		for pi, pf := range formats {
			pkey := fmt.Sprintf("%s.pixelFormats[%d]", skey, pi)
			pfName := nameOr(pf.Name, "pixelFormat", pi)
			names.add(src.Source, pf.PixelFormat, Names{Stream: streamName, Source: sourceName, PixelFormat: pfName})
			if !primary || pi != 0 {
				continue
			}
			got, err := applyPixelFormat(ctx, dev, pkey, pf)
			if err != nil {
				return out, err
			}
			got.Name = pfName
			applied.PixelFormats = append(applied.PixelFormats, got)
		}
		out.Sources = append(out.Sources, applied)
	}
	if len(out.Sources) == 0 {
		return out, &Error{Code: CodeInvalidTask, JSONKey: key + ".sources"}
	}
	return out, nil
}

func sourceSettings(source, key string) ([]setting, error) {
	switch source {
	case "", "any":
		return nil, nil
	case "feeder":
		return []setting{
			{cap: twain.CapFeederEnabled, typ: twain.TWTYBool, val: 1},
			{cap: twain.CapDuplexEnabled, typ: twain.TWTYBool, val: 1},
		}, nil
	case "feederFront":
		return []setting{
			{cap: twain.CapFeederEnabled, typ: twain.TWTYBool, val: 1},
			{cap: twain.CapDuplexEnabled, typ: twain.TWTYBool, val: 0},
		}, nil
	case "flatbed":
		return []setting{{cap: twain.CapFeederEnabled, typ: twain.TWTYBool, val: 0}}, nil
	}
	return nil, &Error{Code: CodeInvalidValue, JSONKey: key + ".source"}
}

func applyPixelFormat(ctx context.Context, dev Device, key string, pf PixelFormat) (PixelFormat, error) {
	out := PixelFormat{PixelFormat: pf.PixelFormat}
	pt, ok := pixelTypes[pf.PixelFormat]
	if !ok {
		return out, &Error{Code: CodeInvalidValue, JSONKey: key + ".pixelFormat"}
	}
	if err := apply(ctx, dev, []setting{{cap: twain.ICapPixelType, typ: twain.TWTYUint16, val: pt}}, key+".pixelFormat"); err != nil {
		return out, err
	}
	for ai, attr := range pf.Attributes {
		akey := fmt.Sprintf("%s.attributes[%d]", key, ai)
		conv, known := attributes[attr.Attribute]
		if !known {
			if attr.Exception == "fail" {
				return out, &Error{Code: CodeInvalidTask, JSONKey: akey + ".attribute"}
			}
			continue
		}
		var chosen *Value
		for vi := range attr.Values {
			v := &attr.Values[vi]
			settings, err := conv(v.Value)
			if err == nil {
				err = apply(ctx, dev, settings, akey)
			}
			if err == nil {
				chosen = v
				break
			}
			if v.Exception == "fail" {
				return out, &Error{Code: CodeInvalidValue, JSONKey: fmt.Sprintf("%s.values[%d]", akey, vi)}
			}
		}
		if chosen == nil {
			if attr.Exception == "fail" {
				return out, &Error{Code: CodeInvalidValue, JSONKey: akey + ".values"}
			}
			continue
		}
		out.Attributes = append(out.Attributes, Attribute{Attribute: attr.Attribute, Values: []Value{{Value: chosen.Value}}})
	}
	return out, nil
}

func apply(ctx context.Context, dev Device, settings []setting, key string) error {
	for _, s := range settings {
		if sts := dev.SetCapability(ctx, twain.OneValue(s.cap, s.typ, s.val)); sts != twain.STSSuccess {
			if sts == twain.STSBusy || sts == twain.STSSeqError {
				return &Error{Code: CodeBusy, JSONKey: key}
			}
			return &Error{Code: CodeInvalidValue, JSONKey: key}
		}
	}
	return nil
}

var pixelTypes = map[string]int{
	"bw1":   twain.TWPTBW,
	"gray8": twain.TWPTGray,
	"rgb24": twain.TWPTRGB,
}

var compressions = map[string]int{
	"none":   twain.TWCPNone,
	"group4": twain.TWCPGroup4,
	"jpeg":   twain.TWCPJPEG,
}

var attributes = map[string]func(json.RawMessage) ([]setting, error){
	"resolution": func(raw json.RawMessage) ([]setting, error) {
		var dpi int
		if err := json.Unmarshal(raw, &dpi); err != nil || dpi <= 0 {
			return nil, fmt.Errorf("bad resolution %s", raw)
		}
		return []setting{
			{cap: twain.ICapXResolution, typ: twain.TWTYFix32, val: dpi},
			{cap: twain.ICapYResolution, typ: twain.TWTYFix32, val: dpi},
		}, nil
	},
	"compression": func(raw json.RawMessage) ([]setting, error) {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, err
		}
		cp, ok := compressions[name]
		if !ok {
			return nil, fmt.Errorf("bad compression %q", name)
		}
		return []setting{{cap: twain.ICapCompression, typ: twain.TWTYUint16, val: cp}}, nil
	},
	"numberOfSheets": func(raw json.RawMessage) ([]setting, error) {
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			var s string
			if json.Unmarshal(raw, &s) != nil || s != "maximum" {
				return nil, fmt.Errorf("bad numberOfSheets %s", raw)
			}
			n = -1
		}
		return []setting{{cap: twain.CapXferCount, typ: twain.TWTYInt16, val: n}}, nil
	},
}

func nameOr(name, prefix string, i int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("%s%d", prefix, i)
}

// Names an image is reported under.
type Names struct {
	Stream      string
	Source      string
	PixelFormat string
}

// DefaultNames apply when no task named anything.
var DefaultNames = Names{Stream: "stream0", Source: "source0", PixelFormat: "pixelFormat0"}

type lookupEntry struct {
	source      string
	pixelFormat string
	names       Names
}

// Lookup resolves the names of an image from its source and pixel format.
type Lookup struct {
	entries []lookupEntry
}

func (l *Lookup) add(source, pixelFormat string, n Names) {
	l.entries = append(l.entries, lookupEntry{source: source, pixelFormat: pixelFormat, names: n})
}

func sourceMatches(want, got string) bool {
	switch want {
	case "", "any":
		return true
	case "feeder":
		return strings.HasPrefix(got, "feeder")
	}
	return want == got
}

// Find returns the names for an image taken from source in pixelFormat.
// A nil or empty lookup yields DefaultNames.
func (l *Lookup) Find(source, pixelFormat string) Names {
	if l == nil || len(l.entries) == 0 {
		return DefaultNames
	}
	for _, e := range l.entries {
		if sourceMatches(e.source, source) && e.pixelFormat == pixelFormat {
			return e.names
		}
	}
	for _, e := range l.entries {
		if sourceMatches(e.source, source) {
			return e.names
		}
	}
	return l.entries[0].names
}
