package victim

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestST25TA(t *testing.T) {
	if got := ST25TA.Name(); got != "ST25TA" {
		t.Errorf("Name() = %q, want %q", got, "ST25TA")
	}

	want := []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}
	if diff := cmp.Diff(want, ST25TA.AID()); diff != "" {
		t.Errorf("AID() mismatch (-want +got):\n%s", diff)
	}
	if len(ST25TA.AID()) != 7 {
		t.Errorf("AID length = %d, want 7", len(ST25TA.AID()))
	}

	if got := ST25TA.ResponseLength(); got != 0 {
		t.Errorf("ResponseLength() = %d, want 0", got)
	}
}

func TestProfile_Immutable(t *testing.T) {
	input := []byte{0xA0, 0x00, 0x00, 0x00, 0x03}
	p, err := New("Test", input, 12)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Mutating the caller's buffer must not leak into the profile
	input[0] = 0xFF

	first := p.AID()
	first[1] = 0xEE

	second := p.AID()
	if diff := cmp.Diff([]byte{0xA0, 0x00, 0x00, 0x00, 0x03}, second); diff != "" {
		t.Errorf("AID changed after external mutation (-want +got):\n%s", diff)
	}

	for i := 0; i < 3; i++ {
		if p.Name() != "Test" || p.ResponseLength() != 12 {
			t.Fatalf("read %d returned different values: %s", i, p)
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		label     string
		aid       []byte
		respLen   int
		wantErr   bool
		wantField string
	}{
		{"valid", "Card", []byte{0x01}, 0, false, ""},
		{"valid with length", "Card", []byte{0xA0, 0x00, 0x00, 0x00, 0x04, 0x10, 0x10}, 256, false, ""},
		{"empty aid", "Card", nil, 0, true, "aid"},
		{"zero length aid", "Card", []byte{}, 0, true, "aid"},
		{"negative length", "Card", []byte{0x01}, -1, true, "responseLength"},
		{"empty name", "  ", []byte{0x01}, 0, true, "name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.label, tt.aid, tt.respLen)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("New() error = %v", err)
				}
				if p.Name() != tt.label {
					t.Errorf("Name() = %q, want %q", p.Name(), tt.label)
				}
				if diff := cmp.Diff(tt.aid, p.AID()); diff != "" {
					t.Errorf("AID() mismatch (-want +got):\n%s", diff)
				}
				if p.ResponseLength() != tt.respLen {
					t.Errorf("ResponseLength() = %d, want %d", p.ResponseLength(), tt.respLen)
				}
				return
			}

			if err == nil {
				t.Fatal("expected error")
			}
			if p != nil {
				t.Errorf("expected nil profile on error, got %v", p)
			}
			if !errors.Is(err, ErrInvalidProfile) {
				t.Errorf("errors.Is(err, ErrInvalidProfile) = false for %v", err)
			}
			var pe *ProfileError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProfileError, got %T", err)
			}
			if pe.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", pe.Field, tt.wantField)
			}
		})
	}
}

func TestMustNew_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for empty AID")
		}
	}()
	MustNew("Bad", nil, 0)
}

func TestProfile_MatchesAID(t *testing.T) {
	if !ST25TA.MatchesAID([]byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}) {
		t.Error("expected exact AID to match")
	}
	if ST25TA.MatchesAID([]byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01}) {
		t.Error("prefix must not match")
	}
	if ST25TA.MatchesAID(nil) {
		t.Error("nil must not match")
	}
}

func TestNew_TrimsName(t *testing.T) {
	p, err := New("  Padded\t", []byte{0x01}, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := p.Name(); got != "Padded" {
		t.Errorf("Name() = %q, want %q", got, "Padded")
	}
}

func TestProfile_String(t *testing.T) {
	if got, want := ST25TA.String(), "ST25TA (D2760000850101, resp 0)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestProfile_JSON(t *testing.T) {
	data, err := json.Marshal(ST25TA)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if got, want := string(data), `{"name":"ST25TA","aid":"D2760000850101","responseLength":0}`; got != want {
		t.Errorf("Marshal = %s, want %s", got, want)
	}

	t.Run("separators accepted", func(t *testing.T) {
		var p Profile
		if err := json.Unmarshal([]byte(`{"name":"Pay","aid":"A0:00 00-00 04","responseLength":2}`), &p); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if diff := cmp.Diff([]byte{0xA0, 0x00, 0x00, 0x00, 0x04}, p.AID()); diff != "" {
			t.Errorf("AID mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("validation applies", func(t *testing.T) {
		var p Profile
		err := json.Unmarshal([]byte(`{"name":"Bad","aid":"","responseLength":0}`), &p)
		if !errors.Is(err, ErrInvalidProfile) {
			t.Errorf("expected ErrInvalidProfile, got %v", err)
		}
	})

	t.Run("built profile refused", func(t *testing.T) {
		err := json.Unmarshal([]byte(`{"name":"Evil","aid":"0102","responseLength":9}`), ST25TA)
		if !errors.Is(err, ErrProfileImmutable) {
			t.Errorf("expected ErrProfileImmutable, got %v", err)
		}
		if got, want := ST25TA.String(), "ST25TA (D2760000850101, resp 0)"; got != want {
			t.Errorf("ST25TA changed to %q", got)
		}
	})

	t.Run("bad hex", func(t *testing.T) {
		var p Profile
		err := json.Unmarshal([]byte(`{"name":"Bad","aid":"ZZ","responseLength":0}`), &p)
		if !errors.Is(err, ErrInvalidProfile) {
			t.Errorf("expected ErrInvalidProfile, got %v", err)
		}
	})
}
