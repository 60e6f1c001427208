package model_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ferralune/kephra/internal/model"
)

func keyphraseModel(data []byte) *model.SoundModel {
	return &model.SoundModel{
		Type:       model.TypeKeyphrase,
		VendorUUID: uuid.MustParse("9f6ad154-75be-4a28-96cf-3d7b0eb17e9e"),
		Phrases: []model.Phrase{
			{ID: 0, Text: "hey kephra", RecognitionModes: 0x1, Users: []uint32{1}},
		},
		Data: data,
	}
}

func TestParse_V2PassthroughWrapsPhraseHeader(t *testing.T) {
	t.Parallel()

	raw := []byte{0x10, 0x20, 0x30, 0x40, 0x50}
	m := keyphraseModel(raw)

	version, payloads, err := model.Parse(m)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if version != model.V2 {
		t.Errorf("version = %v, want V2", version)
	}
	if len(payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(payloads))
	}

	hdrLen, err := model.DecodePhraseHeaderLen(payloads[0].Data)
	if err != nil {
		t.Fatalf("DecodePhraseHeaderLen() error: %v", err)
	}
	if !bytes.Equal(payloads[0].Data[hdrLen:], raw) {
		t.Errorf("payload tail = %x, want %x", payloads[0].Data[hdrLen:], raw)
	}
}

func TestParse_V3SplitsSubModels(t *testing.T) {
	t.Parallel()

	gmm := []byte{0xAA, 0xBB, 0xCC}
	cnn := []byte{0x11, 0x22, 0x33, 0x44}
	container := model.BuildV3Container([]model.StagePayload{
		{StageType: 0x1, Data: gmm},
		{StageType: 0x2, Data: cnn},
	})
	m := keyphraseModel(container)

	version, payloads, err := model.Parse(m)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if version != model.V3 {
		t.Errorf("version = %v, want V3", version)
	}
	if len(payloads) != 2 {
		t.Fatalf("payloads = %d, want 2", len(payloads))
	}

	// First-stage payload is self-describing: phrase header + raw bytes.
	hdrLen, err := model.DecodePhraseHeaderLen(payloads[0].Data)
	if err != nil {
		t.Fatalf("DecodePhraseHeaderLen() error: %v", err)
	}
	if !bytes.Equal(payloads[0].Data[hdrLen:], gmm) {
		t.Errorf("gmm payload = %x, want %x", payloads[0].Data[hdrLen:], gmm)
	}

	// Verifier payloads pass through unwrapped.
	if payloads[1].StageType != 0x2 || !bytes.Equal(payloads[1].Data, cnn) {
		t.Errorf("cnn payload = (type %#x) %x, want (0x2) %x",
			payloads[1].StageType, payloads[1].Data, cnn)
	}
}

func TestParse_V3WithoutFirstStageFails(t *testing.T) {
	t.Parallel()

	container := model.BuildV3Container([]model.StagePayload{
		{StageType: 0x2, Data: []byte{0x11}},
		{StageType: 0x4, Data: []byte{0x22}},
	})
	m := keyphraseModel(container)

	if _, _, err := model.Parse(m); !errors.Is(err, model.ErrNoFirstStage) {
		t.Errorf("Parse() error = %v, want ErrNoFirstStage", err)
	}
}

func TestParse_V3ZeroModelsFails(t *testing.T) {
	t.Parallel()

	container := model.BuildV3Container(nil)
	m := keyphraseModel(container)

	if _, _, err := model.Parse(m); !errors.Is(err, model.ErrNoFirstStage) {
		t.Errorf("Parse() error = %v, want ErrNoFirstStage", err)
	}
}

func TestParse_ZeroLengthDataFails(t *testing.T) {
	t.Parallel()

	m := keyphraseModel(nil)
	if _, _, err := model.Parse(m); err == nil {
		t.Error("Parse() expected error for empty data")
	}
}

func TestParse_KeyphraseWithoutPhrasesFails(t *testing.T) {
	t.Parallel()

	m := keyphraseModel([]byte{1, 2, 3})
	m.Phrases = nil
	if _, _, err := model.Parse(m); err == nil {
		t.Error("Parse() expected error for keyphrase model with no phrases")
	}
}

func TestParse_V3TruncatedRecordTableFails(t *testing.T) {
	t.Parallel()

	container := model.BuildV3Container([]model.StagePayload{
		{StageType: 0x1, Data: []byte{0xAA}},
	})
	// Chop into the record table.
	m := keyphraseModel(container[:14])
	if _, _, err := model.Parse(m); err == nil {
		t.Error("Parse() expected error for truncated record table")
	}
}

func TestParse_V3SubModelOutOfBoundsFails(t *testing.T) {
	t.Parallel()

	container := model.BuildV3Container([]model.StagePayload{
		{StageType: 0x1, Data: []byte{0xAA, 0xBB}},
	})
	// Drop the payload region so the record points past the end.
	m := keyphraseModel(container[:len(container)-2])
	if _, _, err := model.Parse(m); err == nil {
		t.Error("Parse() expected error for out-of-bounds sub-model")
	}
}

func TestParse_GenericModelSinglePayload(t *testing.T) {
	t.Parallel()

	m := &model.SoundModel{
		Type:       model.TypeGeneric,
		VendorUUID: uuid.MustParse("9f6ad154-75be-4a28-96cf-3d7b0eb17e9e"),
		Data:       []byte{9, 8, 7},
	}
	_, payloads, err := model.Parse(m)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(payloads) != 1 || !bytes.Equal(payloads[0].Data, m.Data) {
		t.Errorf("generic payload = %x, want %x", payloads[0].Data, m.Data)
	}
}

func TestClone_IsDeep(t *testing.T) {
	t.Parallel()

	m := keyphraseModel([]byte{1, 2, 3})
	c := m.Clone()

	c.Data[0] = 0xFF
	c.Phrases[0].Users[0] = 99
	if m.Data[0] == 0xFF {
		t.Error("Clone() shares model data")
	}
	if m.Phrases[0].Users[0] == 99 {
		t.Error("Clone() shares phrase users")
	}
}

func TestDecodePhraseHeaderLen_RejectsForeignBytes(t *testing.T) {
	t.Parallel()

	if _, err := model.DecodePhraseHeaderLen([]byte{1, 2, 3, 4, 5, 6, 7, 8}); err == nil {
		t.Error("DecodePhraseHeaderLen() expected error for missing magic")
	}
}
