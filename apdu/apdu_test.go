package apdu

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var st25taAID = []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}

func TestCommand_Bytes(t *testing.T) {
	tests := []struct {
		name     string
		cmd      Command
		expected []byte
	}{
		{
			name:     "case 1",
			cmd:      Command{CLA: 0x00, INS: 0xB0, P1: 0x00, P2: 0x00},
			expected: []byte{0x00, 0xB0, 0x00, 0x00},
		},
		{
			name:     "case 2",
			cmd:      Command{CLA: 0x00, INS: 0xB0, P1: 0x00, P2: 0x02, Ne: 15},
			expected: []byte{0x00, 0xB0, 0x00, 0x02, 0x0F},
		},
		{
			name:     "case 2 with Ne 256",
			cmd:      Command{CLA: 0x00, INS: 0xC0, Ne: 256},
			expected: []byte{0x00, 0xC0, 0x00, 0x00, 0x00},
		},
		{
			name:     "case 3",
			cmd:      Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Data: []byte{0xAA, 0xBB}},
			expected: []byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0xAA, 0xBB},
		},
		{
			name:     "case 4",
			cmd:      Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x00, Data: []byte{0xAA}, Ne: 256},
			expected: []byte{0x00, 0xA4, 0x04, 0x00, 0x01, 0xAA, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Bytes()
			if err != nil {
				t.Fatalf("Bytes() error = %v", err)
			}
			if diff := cmp.Diff(tt.expected, got); diff != "" {
				t.Errorf("Bytes() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("data too long", func(t *testing.T) {
		cmd := Command{INS: 0xD6, Data: make([]byte, 256)}
		if _, err := cmd.Bytes(); err == nil {
			t.Error("expected error for 256 data bytes")
		}
	})

	t.Run("Ne too large", func(t *testing.T) {
		cmd := Command{INS: 0xB0, Ne: 257}
		if _, err := cmd.Bytes(); err == nil {
			t.Error("expected error for Ne 257")
		}
	})
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		want    *Command
		wantErr bool
	}{
		{
			name: "case 1",
			raw:  []byte{0x00, 0xB0, 0x00, 0x00},
			want: &Command{CLA: 0x00, INS: 0xB0},
		},
		{
			name: "case 2 Le 00",
			raw:  []byte{0x00, 0xB0, 0x00, 0x00, 0x00},
			want: &Command{CLA: 0x00, INS: 0xB0, Ne: 256},
		},
		{
			name: "case 3 select",
			raw:  append([]byte{0x00, 0xA4, 0x04, 0x00, 0x07}, st25taAID...),
			want: &Command{CLA: 0x00, INS: 0xA4, P1: 0x04, Data: st25taAID},
		},
		{
			name: "case 4 select",
			raw:  append(append([]byte{0x00, 0xA4, 0x04, 0x00, 0x07}, st25taAID...), 0x00),
			want: &Command{CLA: 0x00, INS: 0xA4, P1: 0x04, Data: st25taAID, Ne: 256},
		},
		{
			name:    "too short",
			raw:     []byte{0x00, 0xA4, 0x04},
			wantErr: true,
		},
		{
			name:    "Lc mismatch",
			raw:     []byte{0x00, 0xA4, 0x04, 0x00, 0x05, 0x01, 0x02},
			wantErr: true,
		},
		{
			name:    "extended length",
			raw:     []byte{0x00, 0xA4, 0x04, 0x00, 0x00, 0x00, 0x01, 0xAA},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedCommand) {
					t.Fatalf("expected ErrMalformedCommand, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseCommand() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseResponse(t *testing.T) {
	resp, err := ParseResponse([]byte{0x01, 0x02, 0x90, 0x00})
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0x01, 0x02}, resp.Data); diff != "" {
		t.Errorf("Data mismatch (-want +got):\n%s", diff)
	}
	if !resp.SW.IsSuccess() {
		t.Errorf("expected success, got %s", resp.SW.Verbose())
	}

	if _, err := ParseResponse([]byte{0x90}); !errors.Is(err, ErrShortResponse) {
		t.Errorf("expected ErrShortResponse, got %v", err)
	}
}

func TestSelectByAID(t *testing.T) {
	t.Run("no Le", func(t *testing.T) {
		raw, err := SelectByAID(st25taAID, 0).Bytes()
		if err != nil {
			t.Fatal(err)
		}
		want := []byte{0x00, 0xA4, 0x04, 0x00, 0x07, 0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}
		if diff := cmp.Diff(want, raw); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("with Le", func(t *testing.T) {
		raw, err := SelectByAID(st25taAID, 18).Bytes()
		if err != nil {
			t.Fatal(err)
		}
		if raw[len(raw)-1] != 18 {
			t.Errorf("expected trailing Le 18, got %02X", raw[len(raw)-1])
		}
	})

	t.Run("round trip", func(t *testing.T) {
		raw, _ := SelectByAID(st25taAID, 0).Bytes()
		cmd, err := ParseCommand(raw)
		if err != nil {
			t.Fatal(err)
		}
		if !IsSelectByAID(cmd) {
			t.Fatal("expected SELECT by AID")
		}
		if diff := cmp.Diff(st25taAID, SelectedAID(cmd)); diff != "" {
			t.Errorf("SelectedAID mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("other commands", func(t *testing.T) {
		readBinary := &Command{CLA: 0x00, INS: 0xB0, Ne: 15}
		if IsSelectByAID(readBinary) || SelectedAID(readBinary) != nil {
			t.Error("READ BINARY must not be treated as SELECT")
		}
		selectByFID := &Command{CLA: 0x00, INS: INSSelect, P1: 0x00, P2: 0x0C, Data: []byte{0xE1, 0x03}}
		if IsSelectByAID(selectByFID) {
			t.Error("SELECT by file ID must not be treated as SELECT by AID")
		}
		proprietary := &Command{CLA: 0x90, INS: INSSelect, P1: P1SelectByName}
		if IsSelectByAID(proprietary) {
			t.Error("proprietary class must not be treated as SELECT by AID")
		}
	})
}

func TestStatusWord_Verbose(t *testing.T) {
	tests := []struct {
		sw       StatusWord
		expected string
	}{
		{SWSuccess, "9000 (Success)"},
		{SWFileNotFound, "6A82 (File or application not found)"},
		{NewStatusWord(0x61, 0x10), "6110 (16 bytes available)"},
		{NewStatusWord(0x6C, 0x12), "6C12 (wrong Le, use 18)"},
		{NewStatusWord(0x12, 0x34), "1234"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.sw.Verbose(); got != tt.expected {
				t.Errorf("Verbose() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestHex(t *testing.T) {
	if got := Hex(st25taAID); got != "D2 76 00 00 85 01 01" {
		t.Errorf("Hex() = %q", got)
	}
	if got := Hex(nil); got != "" {
		t.Errorf("Hex(nil) = %q, want empty", got)
	}
}

func TestDescribeData(t *testing.T) {
	fci := []byte{
		0x6F, 0x0E,
		0x84, 0x07, 0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01,
		0xA5, 0x03,
		0x88, 0x01, 0x02,
	}

	expected := []string{
		"6F (FCI Template)",
		"  84 (DF Name): D2 76 00 00 85 01 01",
		"  A5 (FCI Proprietary Template)",
		"    88 (SFI): 02",
	}

	if diff := cmp.Diff(expected, DescribeData(fci)); diff != "" {
		t.Errorf("DescribeData mismatch (-want +got):\n%s", diff)
	}

	if lines := DescribeData(nil); lines != nil {
		t.Errorf("expected nil for empty data, got %v", lines)
	}
}
