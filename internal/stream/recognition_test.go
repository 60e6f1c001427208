package stream

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ferralune/kephra/internal/engine"
)

func TestPackConfLevels_Layout(t *testing.T) {
	t.Parallel()

	// Three keywords; trained users land at their own IDs past the keyword
	// block: [k1, k2, k3, u1k1, u2k1, u2k2, u3k1, u3k2, u4k3].
	phrases := []PhraseRecognition{
		{ConfidenceLevel: 61, Levels: []UserLevel{
			{UserID: 3, Level: 71},
			{UserID: 4, Level: 72},
			{UserID: 6, Level: 73},
		}},
		{ConfidenceLevel: 62, Levels: []UserLevel{
			{UserID: 5, Level: 74},
			{UserID: 7, Level: 75},
		}},
		{ConfidenceLevel: 63, Levels: []UserLevel{
			{UserID: 8, Level: 76},
		}},
	}

	got, err := packConfLevels(phrases)
	if err != nil {
		t.Fatalf("packConfLevels() error: %v", err)
	}
	want := []uint8{61, 62, 63, 71, 72, 74, 73, 75, 76}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("levels[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPackConfLevels_ClampsTo100(t *testing.T) {
	t.Parallel()

	phrases := []PhraseRecognition{
		{ConfidenceLevel: 101, Levels: []UserLevel{{UserID: 1, Level: 255}}},
	}
	got, err := packConfLevels(phrases)
	if err != nil {
		t.Fatalf("packConfLevels() error: %v", err)
	}
	if got[0] != 100 || got[1] != 100 {
		t.Errorf("levels = %v, want [100 100]", got)
	}
}

func TestPackConfLevels_ZeroStaysZero(t *testing.T) {
	t.Parallel()

	got, err := packConfLevels([]PhraseRecognition{{ConfidenceLevel: 0}})
	if err != nil {
		t.Fatalf("packConfLevels() error: %v", err)
	}
	if got[0] != 0 {
		t.Errorf("levels[0] = %d, want 0", got[0])
	}
}

func TestPackConfLevels_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		phrases []PhraseRecognition
	}{
		{
			name: "user id below phrase count",
			phrases: []PhraseRecognition{
				{ConfidenceLevel: 50, Levels: []UserLevel{{UserID: 0, Level: 10}}},
				{ConfidenceLevel: 50},
			},
		},
		{
			name: "user id beyond total length",
			phrases: []PhraseRecognition{
				{ConfidenceLevel: 50, Levels: []UserLevel{{UserID: 2, Level: 10}}},
			},
		},
		{
			name: "duplicate user id",
			phrases: []PhraseRecognition{
				{ConfidenceLevel: 50, Levels: []UserLevel{
					{UserID: 1, Level: 10},
					{UserID: 1, Level: 20},
				}},
			},
		},
		{
			name:    "no phrases",
			phrases: nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := packConfLevels(tc.phrases); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("packConfLevels() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

// confLevelsPayload builds a CONFIDENCE_LEVELS payload in the given
// interface version: one model entry per argument.
type confModel struct {
	stage engine.StageID
	kws   []confKw
}

type confKw struct {
	level uint32
	users []UserLevel
}

func confLevelsPayload(version uint32, models []confModel) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, version)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(models)))
	appendLevel := func(v uint32) {
		if version == confLevelsVersion2 {
			b = binary.LittleEndian.AppendUint16(b, uint16(v))
		} else {
			b = append(b, uint8(v))
		}
	}
	for _, m := range models {
		b = binary.LittleEndian.AppendUint32(b, uint32(m.stage))
		b = append(b, uint8(len(m.kws)))
		for _, kw := range m.kws {
			appendLevel(kw.level)
			b = append(b, uint8(len(kw.users)))
			for _, u := range kw.users {
				b = append(b, uint8(u.UserID))
				appendLevel(uint32(u.Level))
			}
		}
	}
	return b
}

func TestParseOpaque_HistoryAndPerfMode(t *testing.T) {
	t.Parallel()

	var hist []byte
	hist = binary.LittleEndian.AppendUint32(hist, 0x1)
	hist = binary.LittleEndian.AppendUint32(hist, 1500)
	hist = binary.LittleEndian.AppendUint32(hist, 250)

	var perf []byte
	perf = binary.LittleEndian.AppendUint32(perf, 0x1)
	perf = binary.LittleEndian.AppendUint32(perf, 2)

	data := appendTLV(nil, keyHistoryBufferConfig, hist)
	data = appendTLV(data, keyDetectionPerfMode, perf)

	got, err := parseOpaque(data)
	if err != nil {
		t.Fatalf("parseOpaque() error: %v", err)
	}
	if got.histBufferMs != 1500 || got.preRollMs != 250 {
		t.Errorf("history = %d/%d, want 1500/250", got.histBufferMs, got.preRollMs)
	}
	if got.perfMode != 2 {
		t.Errorf("perfMode = %d, want 2", got.perfMode)
	}
}

func TestParseOpaque_UnknownKeyFails(t *testing.T) {
	t.Parallel()

	data := appendTLV(nil, 0x99, []byte{1, 2, 3, 4})
	if _, err := parseOpaque(data); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("parseOpaque() error = %v, want ErrInvalidArgument", err)
	}
}

func TestParseOpaque_ConfLevelsV1(t *testing.T) {
	t.Parallel()

	payload := confLevelsPayload(confLevelsVersion1, []confModel{
		{stage: engine.StageGMM, kws: []confKw{
			{level: 60, users: []UserLevel{{UserID: 1, Level: 70}}},
		}},
		{stage: engine.StageKeywordVerifier, kws: []confKw{{level: 80}}},
	})
	data := appendTLV(nil, keyConfidenceLevels, payload)

	got, err := parseOpaque(data)
	if err != nil {
		t.Fatalf("parseOpaque() error: %v", err)
	}
	if len(got.confLevels) != 2 || got.confLevels[0] != 60 || got.confLevels[1] != 70 {
		t.Errorf("confLevels = %v, want [60 70]", got.confLevels)
	}
	if got.verifierLevels[engine.StageKeywordVerifier] != 80 {
		t.Errorf("verifier level = %d, want 80", got.verifierLevels[engine.StageKeywordVerifier])
	}
}

func TestParseOpaque_ConfLevelsV2WideLevels(t *testing.T) {
	t.Parallel()

	payload := confLevelsPayload(confLevelsVersion2, []confModel{
		{stage: engine.StageGMM, kws: []confKw{{level: 300}}},
		{stage: engine.StageUserVerifier, kws: []confKw{
			{level: 90, users: []UserLevel{{UserID: 1, Level: 85}}},
		}},
	})
	data := appendTLV(nil, keyConfidenceLevels, payload)

	got, err := parseOpaque(data)
	if err != nil {
		t.Fatalf("parseOpaque() error: %v", err)
	}
	// Out-of-range wide level clamps to 100.
	if got.confLevels[0] != 100 {
		t.Errorf("confLevels[0] = %d, want 100", got.confLevels[0])
	}
	// User verifiers take the first user level when present.
	if got.verifierLevels[engine.StageUserVerifier] != 85 {
		t.Errorf("verifier level = %d, want 85", got.verifierLevels[engine.StageUserVerifier])
	}
}

func TestParseOpaque_ConfLevelsWithoutGMMFails(t *testing.T) {
	t.Parallel()

	payload := confLevelsPayload(confLevelsVersion1, []confModel{
		{stage: engine.StageKeywordVerifier, kws: []confKw{{level: 80}}},
	})
	data := appendTLV(nil, keyConfidenceLevels, payload)

	if _, err := parseOpaque(data); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("parseOpaque() error = %v, want ErrInvalidArgument", err)
	}
}

func TestParseOpaque_DuplicateUserIDInOpaqueFails(t *testing.T) {
	t.Parallel()

	payload := confLevelsPayload(confLevelsVersion1, []confModel{
		{stage: engine.StageGMM, kws: []confKw{
			{level: 60, users: []UserLevel{
				{UserID: 1, Level: 70},
				{UserID: 1, Level: 71},
			}},
		}},
	})
	data := appendTLV(nil, keyConfidenceLevels, payload)

	if _, err := parseOpaque(data); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("parseOpaque() error = %v, want ErrInvalidArgument", err)
	}
}

func TestParseOpaque_TruncatedHeaderFails(t *testing.T) {
	t.Parallel()

	if _, err := parseOpaque([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("parseOpaque() error = %v, want ErrInvalidArgument", err)
	}
}

func TestParseOpaque_BadVersionFails(t *testing.T) {
	t.Parallel()

	payload := confLevelsPayload(0x7, nil)
	data := appendTLV(nil, keyConfidenceLevels, payload)
	if _, err := parseOpaque(data); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("parseOpaque() error = %v, want ErrInvalidArgument", err)
	}
}

func TestRecognitionConfig_CloneAndEqual(t *testing.T) {
	t.Parallel()

	cfg := &RecognitionConfig{
		CaptureRequested: true,
		Phrases: []PhraseRecognition{
			{ID: 1, ConfidenceLevel: 60, Levels: []UserLevel{{UserID: 1, Level: 70}}},
		},
		Opaque: []byte{1, 2, 3},
	}
	c := cfg.Clone()
	if !cfg.Equal(c) {
		t.Fatal("Clone() not Equal() to original")
	}
	c.Phrases[0].Levels[0].Level = 99
	if cfg.Phrases[0].Levels[0].Level == 99 {
		t.Error("Clone() shares user levels")
	}
	if cfg.Equal(c) {
		t.Error("Equal() = true after mutating the clone")
	}
	if cfg.Equal(nil) {
		t.Error("Equal(nil) = true")
	}
}

func TestErrno_Mapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{ErrInvalidArgument, -22},
		{ErrPrecondition, -22},
		{ErrNotFound, -2},
		{ErrResourceExhausted, -12},
		{ErrIO, -5},
		{ErrTransient, -5},
		{errors.New("anything else"), -5},
	}
	for _, tc := range tests {
		if got := Errno(tc.err); got != tc.want {
			t.Errorf("Errno(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
