// Package model defines the client-supplied acoustic sound-model types and
// the v2/v3 container parser that splits a keyphrase model into per-stage
// engine payloads.
package model

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Type distinguishes the two sound-model families.
type Type int

const (
	// TypeKeyphrase is a keyword-detection model with trained phrases.
	TypeKeyphrase Type = iota

	// TypeGeneric is an unstructured acoustic model.
	TypeGeneric
)

// String returns the human-readable name of the model type.
func (t Type) String() string {
	switch t {
	case TypeKeyphrase:
		return "keyphrase"
	case TypeGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// Phrase describes one trained keyword in a keyphrase model, including the
// user IDs trained against it.
type Phrase struct {
	// ID is the client-assigned phrase identifier.
	ID uint32

	// Text is the spoken keyword, informational only.
	Text string

	// RecognitionModes is a bitmask of the recognition modes the phrase was
	// trained for.
	RecognitionModes uint32

	// Users lists the user IDs with voice training for this phrase.
	Users []uint32
}

// SoundModel is the client-supplied acoustic model. The stream deep-copies
// it on load so that subsystem-restart replay never aliases client memory.
type SoundModel struct {
	// Type selects keyphrase or generic handling.
	Type Type

	// VendorUUID keys the per-model platform record.
	VendorUUID uuid.UUID

	// Phrases holds the trained keywords. Required for keyphrase models.
	Phrases []Phrase

	// Data is the opaque model payload: a v3 multi-stage container or a v2
	// monolithic first-stage blob.
	Data []byte
}

// Validate checks the structural constraints the stream relies on before
// parsing.
func (m *SoundModel) Validate() error {
	if m == nil {
		return errors.New("model: nil sound model")
	}
	if len(m.Data) == 0 {
		return errors.New("model: empty model data")
	}
	if m.Type == TypeKeyphrase && len(m.Phrases) == 0 {
		return errors.New("model: keyphrase model with no phrases")
	}
	return nil
}

// Clone returns a deep copy of the model.
func (m *SoundModel) Clone() *SoundModel {
	if m == nil {
		return nil
	}
	c := &SoundModel{
		Type:       m.Type,
		VendorUUID: m.VendorUUID,
		Phrases:    make([]Phrase, len(m.Phrases)),
		Data:       append([]byte(nil), m.Data...),
	}
	for i, p := range m.Phrases {
		c.Phrases[i] = Phrase{
			ID:               p.ID,
			Text:             p.Text,
			RecognitionModes: p.RecognitionModes,
			Users:            append([]uint32(nil), p.Users...),
		}
	}
	return c
}

// phraseHeaderMagic marks a serialized phrase header prepended to the
// first-stage payload so the GMM engine receives a self-describing blob.
const phraseHeaderMagic uint32 = 0x4B504852 // "KPHR"

// EncodePhraseHeader serializes the model's phrase metadata. The first-stage
// payload produced by [Parse] is this header followed by the raw GMM
// sub-model bytes.
func EncodePhraseHeader(m *SoundModel) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, phraseHeaderMagic)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(m.Phrases)))
	for _, p := range m.Phrases {
		b = binary.LittleEndian.AppendUint32(b, p.ID)
		b = binary.LittleEndian.AppendUint32(b, p.RecognitionModes)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(p.Users)))
		for _, u := range p.Users {
			b = binary.LittleEndian.AppendUint32(b, u)
		}
	}
	return b
}

// DecodePhraseHeaderLen returns the length of the phrase header at the start
// of payload, or an error if the payload does not begin with one. Engine
// backends use it to locate the raw model bytes.
func DecodePhraseHeaderLen(payload []byte) (int, error) {
	if len(payload) < 8 {
		return 0, errors.New("model: payload too short for phrase header")
	}
	if binary.LittleEndian.Uint32(payload) != phraseHeaderMagic {
		return 0, errors.New("model: missing phrase header magic")
	}
	n := int(binary.LittleEndian.Uint32(payload[4:]))
	off := 8
	for i := 0; i < n; i++ {
		if len(payload) < off+12 {
			return 0, fmt.Errorf("model: truncated phrase header record %d", i)
		}
		users := int(binary.LittleEndian.Uint32(payload[off+8:]))
		off += 12 + 4*users
		if off > len(payload) {
			return 0, fmt.Errorf("model: truncated phrase header users %d", i)
		}
	}
	return off, nil
}
