package stream

import (
	"encoding/binary"
	"fmt"

	"github.com/ferralune/kephra/internal/engine"
)

// Opaque TLV framing shared between recognition-config parsing and the
// detection-event trailer. Each entry is an 8-byte header (key, payload
// size) followed by the payload, all little-endian.
const (
	tlvHeaderSize = 8

	keyHistoryBufferConfig uint32 = 1
	keyDetectionPerfMode   uint32 = 2
	keyConfidenceLevels    uint32 = 3
	keyKeywordIndices      uint32 = 4
	keyTimestamp           uint32 = 5

	confLevelsVersion1 uint32 = 0x0001
	confLevelsVersion2 uint32 = 0x0002

	// bareConfigSize is the opaque-payload length at or below which the
	// config is treated as bare: defaults apply and confidence levels come
	// from the per-phrase descriptor instead of the TLV stream.
	bareConfigSize = 12

	maxConfidenceLevel = 100
)

// UserLevel is one trained user's confidence threshold for a phrase.
type UserLevel struct {
	// UserID indexes into the packed confidence-level array; IDs start at
	// the phrase count and must not repeat.
	UserID uint32

	// Level is the confidence threshold, 0–100.
	Level uint8
}

// PhraseRecognition is the client's per-phrase recognition descriptor.
type PhraseRecognition struct {
	// ID matches a phrase ID in the loaded sound model.
	ID uint32

	// RecognitionModes is a bitmask of requested recognition modes.
	RecognitionModes uint32

	// ConfidenceLevel is the keyword confidence threshold, 0–100.
	ConfidenceLevel uint8

	// Levels holds per-user thresholds for user verification.
	Levels []UserLevel
}

// RecognitionConfig is the client-supplied recognition descriptor. The
// stream deep-copies it on receipt so subsystem-restart replay never aliases
// client memory.
type RecognitionConfig struct {
	// CaptureRequested asks the stream to retain keyword audio for client
	// read-back after a detection.
	CaptureRequested bool

	// Phrases describes each armed keyword.
	Phrases []PhraseRecognition

	// Opaque optionally carries a TLV stream with explicit confidence
	// levels, history-buffer sizing, and the detection performance mode.
	Opaque []byte
}

// Clone returns a deep copy of the config.
func (c *RecognitionConfig) Clone() *RecognitionConfig {
	if c == nil {
		return nil
	}
	out := &RecognitionConfig{
		CaptureRequested: c.CaptureRequested,
		Phrases:          make([]PhraseRecognition, len(c.Phrases)),
		Opaque:           append([]byte(nil), c.Opaque...),
	}
	for i, p := range c.Phrases {
		out.Phrases[i] = PhraseRecognition{
			ID:               p.ID,
			RecognitionModes: p.RecognitionModes,
			ConfidenceLevel:  p.ConfidenceLevel,
			Levels:           append([]UserLevel(nil), p.Levels...),
		}
	}
	return out
}

// Equal compares configs field-wise. Used to skip redundant re-sends when a
// client re-arms recognition with an unchanged config after a detection.
func (c *RecognitionConfig) Equal(o *RecognitionConfig) bool {
	if c == nil || o == nil {
		return c == o
	}
	if c.CaptureRequested != o.CaptureRequested ||
		len(c.Phrases) != len(o.Phrases) ||
		string(c.Opaque) != string(o.Opaque) {
		return false
	}
	for i := range c.Phrases {
		a, b := &c.Phrases[i], &o.Phrases[i]
		if a.ID != b.ID || a.RecognitionModes != b.RecognitionModes ||
			a.ConfidenceLevel != b.ConfidenceLevel || len(a.Levels) != len(b.Levels) {
			return false
		}
		for j := range a.Levels {
			if a.Levels[j] != b.Levels[j] {
				return false
			}
		}
	}
	return true
}

// parsedRecognition is the digested form the stream arms engines with.
type parsedRecognition struct {
	histBufferMs uint32
	preRollMs    uint32
	perfMode     uint32
	// confLevels is the packed first-stage array; see packConfLevels for the
	// layout.
	confLevels []uint8
	// verifierLevels maps second-stage IDs to their single threshold, from
	// the opaque stream.
	verifierLevels map[engine.StageID]uint8
}

func clampLevel(v uint32) uint8 {
	if v > maxConfidenceLevel {
		return maxConfidenceLevel
	}
	return uint8(v)
}

// packConfLevels builds the first-stage confidence array from the per-phrase
// descriptors.
//
// The output has length numPhrases + total user levels. Slots
// [0, numPhrases) carry each phrase's keyword threshold; each user level
// lands at index UserID. A UserID below the phrase count, at or beyond the
// array length, or repeated, is an error. Levels clamp to 100.
//
// Say the config has 3 keywords with trained users at IDs 3..8: the output
// is [k1, k2, k3, u1k1, u2k1, u2k2, u3k1, u3k2, u4k3].
func packConfLevels(phrases []PhraseRecognition) ([]uint8, error) {
	if len(phrases) == 0 {
		return nil, fmt.Errorf("stream: no phrases in recognition config: %w", ErrInvalidArgument)
	}
	total := len(phrases)
	for i := range phrases {
		total += len(phrases[i].Levels)
	}

	levels := make([]uint8, total)
	seen := make([]bool, total)
	for i := range phrases {
		levels[i] = clampLevel(uint32(phrases[i].ConfidenceLevel))
		for _, ul := range phrases[i].Levels {
			id := int(ul.UserID)
			if id < len(phrases) || id >= total {
				return nil, fmt.Errorf("stream: user id %d out of range [%d, %d): %w",
					id, len(phrases), total, ErrInvalidArgument)
			}
			if seen[id] {
				return nil, fmt.Errorf("stream: duplicate user id %d: %w", id, ErrInvalidArgument)
			}
			seen[id] = true
			levels[id] = clampLevel(uint32(ul.Level))
		}
	}
	return levels, nil
}

// parseOpaque walks the opaque TLV stream of a recognition config.
// Recognised keys: CONFIDENCE_LEVELS (v0001/v0002), HISTORY_BUFFER_CONFIG,
// DETECTION_PERF_MODE. Unknown keys fail.
func parseOpaque(data []byte) (*parsedRecognition, error) {
	out := &parsedRecognition{verifierLevels: make(map[engine.StageID]uint8)}
	gmmFound := false

	off := 0
	for off < len(data) {
		if len(data)-off < tlvHeaderSize {
			return nil, fmt.Errorf("stream: truncated opaque header at %d: %w", off, ErrInvalidArgument)
		}
		key := binary.LittleEndian.Uint32(data[off:])
		size := int(binary.LittleEndian.Uint32(data[off+4:]))
		off += tlvHeaderSize
		if size < 0 || len(data)-off < size {
			return nil, fmt.Errorf("stream: opaque key %d payload overruns data: %w", key, ErrInvalidArgument)
		}
		payload := data[off : off+size]
		off += size

		switch key {
		case keyConfidenceLevels:
			found, err := parseOpaqueConfLevels(payload, out)
			if err != nil {
				return nil, err
			}
			gmmFound = gmmFound || found
		case keyHistoryBufferConfig:
			if size != 12 {
				return nil, fmt.Errorf("stream: history buffer config size %d: %w", size, ErrInvalidArgument)
			}
			out.histBufferMs = binary.LittleEndian.Uint32(payload[4:])
			out.preRollMs = binary.LittleEndian.Uint32(payload[8:])
		case keyDetectionPerfMode:
			if size != 8 {
				return nil, fmt.Errorf("stream: detection perf mode size %d: %w", size, ErrInvalidArgument)
			}
			out.perfMode = binary.LittleEndian.Uint32(payload[4:])
		default:
			return nil, fmt.Errorf("stream: unsupported opaque key %d: %w", key, ErrInvalidArgument)
		}
	}

	if len(out.confLevels) > 0 || len(out.verifierLevels) > 0 {
		if !gmmFound {
			return nil, fmt.Errorf("stream: opaque conf levels carry no first-stage thresholds: %w", ErrInvalidArgument)
		}
	}
	return out, nil
}

// parseOpaqueConfLevels decodes one CONFIDENCE_LEVELS payload. The first
// word selects the interface version; v0002 widens levels to 16 bits.
// First-stage entries pack into out.confLevels with the same index rules as
// packConfLevels; verifier entries record a single threshold per stage.
func parseOpaqueConfLevels(payload []byte, out *parsedRecognition) (gmmFound bool, err error) {
	if len(payload) < 8 {
		return false, fmt.Errorf("stream: conf levels payload too short: %w", ErrInvalidArgument)
	}
	version := binary.LittleEndian.Uint32(payload)
	if version != confLevelsVersion1 && version != confLevelsVersion2 {
		return false, fmt.Errorf("stream: conf levels version %#x: %w", version, ErrInvalidArgument)
	}
	wide := version == confLevelsVersion2
	numModels := int(binary.LittleEndian.Uint32(payload[4:]))
	off := 8

	readLevel := func() (uint32, bool) {
		if wide {
			if len(payload)-off < 2 {
				return 0, false
			}
			v := uint32(binary.LittleEndian.Uint16(payload[off:]))
			off += 2
			return v, true
		}
		if len(payload)-off < 1 {
			return 0, false
		}
		v := uint32(payload[off])
		off++
		return v, true
	}

	for m := 0; m < numModels; m++ {
		if len(payload)-off < 5 {
			return false, fmt.Errorf("stream: conf levels model %d truncated: %w", m, ErrInvalidArgument)
		}
		stage := engine.StageID(binary.LittleEndian.Uint32(payload[off:]))
		numKw := int(payload[off+4])
		off += 5

		type kwEntry struct {
			level uint32
			users []UserLevel
		}
		kws := make([]kwEntry, 0, numKw)
		for k := 0; k < numKw; k++ {
			lvl, ok := readLevel()
			if !ok {
				return false, fmt.Errorf("stream: conf levels kw %d truncated: %w", k, ErrInvalidArgument)
			}
			if len(payload)-off < 1 {
				return false, fmt.Errorf("stream: conf levels kw %d truncated: %w", k, ErrInvalidArgument)
			}
			numUsers := int(payload[off])
			off++
			users := make([]UserLevel, 0, numUsers)
			for u := 0; u < numUsers; u++ {
				if len(payload)-off < 1 {
					return false, fmt.Errorf("stream: conf levels user %d truncated: %w", u, ErrInvalidArgument)
				}
				id := uint32(payload[off])
				off++
				ulvl, ok := readLevel()
				if !ok {
					return false, fmt.Errorf("stream: conf levels user %d truncated: %w", u, ErrInvalidArgument)
				}
				users = append(users, UserLevel{UserID: id, Level: clampLevel(ulvl)})
			}
			kws = append(kws, kwEntry{level: lvl, users: users})
		}

		switch {
		case stage == engine.StageGMM:
			gmmFound = true
			phrases := make([]PhraseRecognition, len(kws))
			for i, kw := range kws {
				phrases[i] = PhraseRecognition{
					ConfidenceLevel: clampLevel(kw.level),
					Levels:          kw.users,
				}
			}
			packed, perr := packConfLevels(phrases)
			if perr != nil {
				return false, perr
			}
			out.confLevels = packed
		case stage&(engine.StageKeywordVerifier|engine.StageUserVerifier) != 0:
			if len(kws) == 0 {
				return false, fmt.Errorf("stream: verifier stage %s with no levels: %w", stage, ErrInvalidArgument)
			}
			lvl := kws[0].level
			if stage&engine.StageUserVerifier != 0 && len(kws[0].users) > 0 {
				lvl = uint32(kws[0].users[0].Level)
			}
			out.verifierLevels[stage] = clampLevel(lvl)
		default:
			return false, fmt.Errorf("stream: conf levels for unknown stage %#x: %w", uint32(stage), ErrInvalidArgument)
		}
	}
	return gmmFound, nil
}

// appendTLV appends one TLV entry to b.
func appendTLV(b []byte, key uint32, payload []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, key)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(payload)))
	return append(b, payload...)
}
