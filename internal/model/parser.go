package model

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Container framing constants for the v3 multi-stage model format. A v3 blob
// is a global header, a v3 header carrying the sub-model count, a record
// table, and a payload region addressed by per-record offsets. Anything that
// does not open with the global-header magic is treated as a v2 monolithic
// first-stage payload.
const (
	// globalHeaderMagic is "SMLG" little-endian.
	globalHeaderMagic uint32 = 0x474C4D53

	globalHeaderSize = 8  // magic + payload size
	v3HeaderSize     = 4  // numModels
	recordSize       = 12 // type + size + offset
)

// Version of a parsed container.
type Version int

const (
	// V2 is the monolithic single-payload format.
	V2 Version = 2

	// V3 is the multi-stage container format.
	V3 Version = 3
)

// ErrNoFirstStage is returned when a v3 container carries no GMM sub-model.
var ErrNoFirstStage = errors.New("model: container has no first-stage sub-model")

// StagePayload is one engine's share of a parsed container.
type StagePayload struct {
	// StageType is the sub-model type from the record table. For v2 blobs it
	// is always the GMM stage value.
	StageType uint32

	// Data is the payload handed to the engine. The first-stage payload is
	// prefixed with a serialized phrase header (see [EncodePhraseHeader]).
	Data []byte
}

// firstStageType mirrors engine.StageGMM without importing the engine
// package; record types in the container use the same values.
const firstStageType uint32 = 0x1

// Parse splits a keyphrase model into per-stage payloads.
//
// If the blob opens with the v3 global-header magic, each record yields one
// payload; the GMM record's bytes are wrapped with a copy of the phrase
// header so the first stage receives a self-describing blob, and its absence
// is an error. Otherwise the blob passes through as a single v2 first-stage
// payload, likewise wrapped.
func Parse(m *SoundModel) (Version, []StagePayload, error) {
	if err := m.Validate(); err != nil {
		return 0, nil, err
	}
	if m.Type != TypeKeyphrase {
		// Generic models are opaque; the single payload goes to the first
		// stage unwrapped.
		return V2, []StagePayload{{StageType: firstStageType, Data: append([]byte(nil), m.Data...)}}, nil
	}

	data := m.Data
	if len(data) < 4 || binary.LittleEndian.Uint32(data) != globalHeaderMagic {
		payload := append(EncodePhraseHeader(m), data...)
		return V2, []StagePayload{{StageType: firstStageType, Data: payload}}, nil
	}

	if len(data) < globalHeaderSize+v3HeaderSize {
		return 0, nil, errors.New("model: v3 container truncated before header")
	}
	numModels := binary.LittleEndian.Uint32(data[globalHeaderSize:])
	if numModels == 0 {
		return 0, nil, ErrNoFirstStage
	}
	tableEnd := globalHeaderSize + v3HeaderSize + int(numModels)*recordSize
	if tableEnd < 0 || len(data) < tableEnd {
		return 0, nil, fmt.Errorf("model: v3 record table truncated (%d sub-models)", numModels)
	}

	payloads := make([]StagePayload, 0, numModels)
	haveFirstStage := false
	for i := 0; i < int(numModels); i++ {
		rec := data[globalHeaderSize+v3HeaderSize+i*recordSize:]
		typ := binary.LittleEndian.Uint32(rec)
		size := binary.LittleEndian.Uint32(rec[4:])
		offset := binary.LittleEndian.Uint32(rec[8:])

		start := tableEnd + int(offset)
		end := start + int(size)
		if size == 0 || start < tableEnd || end > len(data) || end < start {
			return 0, nil, fmt.Errorf("model: sub-model %d out of bounds (size=%d offset=%d)", i, size, offset)
		}
		sub := data[start:end]

		if typ == firstStageType {
			haveFirstStage = true
			payloads = append(payloads, StagePayload{
				StageType: typ,
				Data:      append(EncodePhraseHeader(m), sub...),
			})
		} else {
			payloads = append(payloads, StagePayload{
				StageType: typ,
				Data:      append([]byte(nil), sub...),
			})
		}
	}
	if !haveFirstStage {
		return 0, nil, ErrNoFirstStage
	}
	return V3, payloads, nil
}

// BuildV3Container assembles a v3 blob from sub-model payloads. Test and
// tooling helper; the inverse of the framing [Parse] expects.
func BuildV3Container(subs []StagePayload) []byte {
	var payloadRegion []byte
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, globalHeaderMagic)

	// Record table offsets are relative to the end of the table.
	type rec struct{ typ, size, off uint32 }
	recs := make([]rec, len(subs))
	for i, s := range subs {
		recs[i] = rec{typ: s.StageType, size: uint32(len(s.Data)), off: uint32(len(payloadRegion))}
		payloadRegion = append(payloadRegion, s.Data...)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(payloadRegion)))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(subs)))
	for _, r := range recs {
		b = binary.LittleEndian.AppendUint32(b, r.typ)
		b = binary.LittleEndian.AppendUint32(b, r.size)
		b = binary.LittleEndian.AppendUint32(b, r.off)
	}
	return append(b, payloadRegion...)
}
