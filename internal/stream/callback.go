package stream

import (
	"encoding/binary"
	"fmt"

	"github.com/ferralune/kephra/internal/engine"
	"github.com/ferralune/kephra/internal/model"
	"github.com/ferralune/kephra/pkg/audio"
)

// DetectionEvent is the notification delivered to the client callback after
// a confirmed detection.
type DetectionEvent struct {
	// Phrases are copies of the recognition config's phrase descriptors.
	Phrases []PhraseRecognition

	// Format is the media configuration of the buffered keyword audio.
	Format audio.Format

	// CaptureAvailable mirrors the client's capture request: when true the
	// client may Read buffered audio until it stops buffering.
	CaptureAvailable bool

	// Data is an opaque trailer packing CONFIDENCE_LEVELS, KEYWORD_INDICES,
	// and TIMESTAMP entries, in that order.
	Data []byte
}

// buildDetectionEvent assembles the callback payload from the first-stage
// detection result, the reader's keyword indices, and the cached
// recognition config. Called with the stream lock held.
func (s *Stream) buildDetectionEvent() (*DetectionEvent, error) {
	if s.smConfig == nil || s.smConfig.Type != model.TypeKeyphrase {
		return nil, fmt.Errorf("stream: no keyphrase model loaded: %w", ErrPrecondition)
	}
	if s.gslEngine == nil {
		return nil, fmt.Errorf("stream: no first-stage engine: %w", ErrNotFound)
	}
	det, err := s.gslEngine.DetectionInfo()
	if err != nil {
		return nil, fmt.Errorf("stream: detection info not available: %w", err)
	}

	ev := &DetectionEvent{
		Phrases: s.recConfig.Clone().Phrases,
		Format: audio.Format{
			SampleRate: 16000,
			BitWidth:   16,
			Channels:   1,
		},
		CaptureAvailable: s.recConfig.CaptureRequested,
	}

	// Confidence levels: one entry per bound engine, keyword level taken
	// from the first-stage result.
	var conf []byte
	conf = binary.LittleEndian.AppendUint32(conf, confLevelsVersion1)
	conf = binary.LittleEndian.AppendUint32(conf, uint32(len(s.engines)))
	for i, b := range s.engines {
		var lvl uint8
		if i < len(det.ConfidenceLevels) {
			lvl = det.ConfidenceLevels[i]
		}
		conf = binary.LittleEndian.AppendUint32(conf, uint32(b.stage))
		conf = append(conf, 1)   // one keyword level
		conf = append(conf, lvl) // keyword level
		conf = append(conf, 0)   // no user levels
	}
	ev.Data = appendTLV(ev.Data, keyConfidenceLevels, conf)

	// Keyword indices: start and end byte offsets from the client reader.
	var start, end uint32
	if s.reader != nil {
		start, end = s.reader.KeywordIndices()
	}
	var kw []byte
	kw = binary.LittleEndian.AppendUint32(kw, 0x1)
	kw = binary.LittleEndian.AppendUint32(kw, start)
	kw = binary.LittleEndian.AppendUint32(kw, end)
	ev.Data = appendTLV(ev.Data, keyKeywordIndices, kw)

	// First-stage detection time, microseconds, from the DSP's split words.
	micros := 1000 * (uint64(det.TimestampLSW) + uint64(det.TimestampMSW)<<32)
	var ts []byte
	ts = binary.LittleEndian.AppendUint32(ts, 0x1)
	ts = binary.LittleEndian.AppendUint64(ts, micros)
	ev.Data = appendTLV(ev.Data, keyTimestamp, ts)

	return ev, nil
}

// ParseDetectionTrailer decodes the opaque trailer of a [DetectionEvent]
// into its keyword confidence levels (keyed by engine stage),
// keyword byte indices, and detection timestamp in microseconds. Clients
// that only want the fields and not the wire form use this instead of
// walking the TLVs themselves.
func ParseDetectionTrailer(data []byte) (levels map[engine.StageID]uint8, start, end uint32, micros uint64, err error) {
	levels = make(map[engine.StageID]uint8)
	off := 0
	for off < len(data) {
		if len(data)-off < tlvHeaderSize {
			return nil, 0, 0, 0, fmt.Errorf("stream: truncated trailer header: %w", ErrInvalidArgument)
		}
		key := binary.LittleEndian.Uint32(data[off:])
		size := int(binary.LittleEndian.Uint32(data[off+4:]))
		off += tlvHeaderSize
		if len(data)-off < size {
			return nil, 0, 0, 0, fmt.Errorf("stream: truncated trailer payload: %w", ErrInvalidArgument)
		}
		payload := data[off : off+size]
		off += size

		switch key {
		case keyConfidenceLevels:
			if len(payload) < 8 {
				return nil, 0, 0, 0, fmt.Errorf("stream: short conf levels trailer: %w", ErrInvalidArgument)
			}
			n := int(binary.LittleEndian.Uint32(payload[4:]))
			p := 8
			for i := 0; i < n; i++ {
				if len(payload)-p < 7 {
					return nil, 0, 0, 0, fmt.Errorf("stream: short conf levels entry: %w", ErrInvalidArgument)
				}
				stage := engine.StageID(binary.LittleEndian.Uint32(payload[p:]))
				levels[stage] = payload[p+5]
				p += 7
			}
		case keyKeywordIndices:
			if len(payload) != 12 {
				return nil, 0, 0, 0, fmt.Errorf("stream: keyword indices size %d: %w", len(payload), ErrInvalidArgument)
			}
			start = binary.LittleEndian.Uint32(payload[4:])
			end = binary.LittleEndian.Uint32(payload[8:])
		case keyTimestamp:
			if len(payload) != 12 {
				return nil, 0, 0, 0, fmt.Errorf("stream: timestamp size %d: %w", len(payload), ErrInvalidArgument)
			}
			micros = binary.LittleEndian.Uint64(payload[4:])
		default:
			return nil, 0, 0, 0, fmt.Errorf("stream: unknown trailer key %d: %w", key, ErrInvalidArgument)
		}
	}
	return levels, start, end, micros, nil
}
