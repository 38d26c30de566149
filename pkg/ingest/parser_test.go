package ingest

import (
	"testing"
	"time"
)

func TestParseMessageAnnouncements(t *testing.T) {
	data := []byte(`{
		"type": "ris_message",
		"data": {
			"timestamp": 1700000010.5,
			"peer_asn": "3356",
			"path": [3356, 174, 65001],
			"announcements": [
				{"prefixes": ["203.0.113.0/24", "198.51.100.0/24"]}
			]
		}
	}`)

	events, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (one per announced prefix)", len(events))
	}

	e := events[0]
	if e.Prefix != "203.0.113.0/24" {
		t.Errorf("prefix = %q, want 203.0.113.0/24", e.Prefix)
	}
	if e.OriginASN != 65001 {
		t.Errorf("origin ASN = %d, want 65001 (last hop)", e.OriginASN)
	}
	if e.PeerASN != 3356 {
		t.Errorf("peer ASN = %d, want 3356", e.PeerASN)
	}
	if e.IsWithdrawal {
		t.Error("announcement marked as withdrawal")
	}
	if len(e.ASPath) != 3 {
		t.Errorf("AS path = %v, want 3 hops", e.ASPath)
	}
	if want := time.Unix(1700000010, 500000000).UTC(); !e.ObservedAt.Equal(want) {
		t.Errorf("observed at = %v, want %v", e.ObservedAt, want)
	}

	if events[1].Prefix != "198.51.100.0/24" {
		t.Errorf("second prefix = %q, want 198.51.100.0/24", events[1].Prefix)
	}
}

func TestParseMessageWithdrawals(t *testing.T) {
	data := []byte(`{
		"type": "ris_message",
		"data": {
			"timestamp": 1700000010,
			"peer_asn": 174,
			"withdrawals": ["203.0.113.0/24"]
		}
	}`)

	events, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	e := events[0]
	if !e.IsWithdrawal {
		t.Error("withdrawal not marked")
	}
	if e.Prefix != "203.0.113.0/24" {
		t.Errorf("prefix = %q", e.Prefix)
	}
	if e.PeerASN != 174 {
		t.Errorf("peer ASN = %d, want 174", e.PeerASN)
	}
	if e.OriginASN != 0 {
		t.Errorf("withdrawal origin ASN = %d, want 0", e.OriginASN)
	}
}

func TestParseMessageIgnoresNonUpdates(t *testing.T) {
	for _, data := range []string{
		`{"type": "ris_error", "data": {"message": "rate limited"}}`,
		`{"type": "pong"}`,
	} {
		events, err := ParseMessage([]byte(data))
		if err != nil {
			t.Errorf("ParseMessage(%s) failed: %v", data, err)
		}
		if len(events) != 0 {
			t.Errorf("ParseMessage(%s) = %d events, want none", data, len(events))
		}
	}
}

func TestParseMessageRejectsGarbage(t *testing.T) {
	if _, err := ParseMessage([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestParseASPathNested(t *testing.T) {
	tests := []struct {
		name string
		data string
		want []uint32
	}{
		{"flat", `[174, 3356, 65001]`, []uint32{174, 3356, 65001}},
		{"nested AS_SET", `[[174], [3356, 65001], 65002]`, []uint32{174, 3356, 65001, 65002}},
		{"empty", ``, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseASPath([]byte(tt.data))
			if err != nil {
				t.Fatalf("parseASPath failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("path = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("path[%d] = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseASN(t *testing.T) {
	tests := []struct {
		name string
		data string
		want uint32
	}{
		{"number", `3356`, 3356},
		{"string", `"3356"`, 3356},
		{"empty", ``, 0},
		{"garbage", `"not-an-asn"`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseASN([]byte(tt.data)); got != tt.want {
				t.Errorf("parseASN(%s) = %d, want %d", tt.data, got, tt.want)
			}
		})
	}
}
