package store

import (
	"math"
	"testing"
	"time"

	"github.com/Operative-001/ridgelink/internal/protocol"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestReadingsNewestFirst(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 5; i++ {
		r := Reading{
			RunID:      "run-1",
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
			SourceID:   protocol.NodeSource,
			RelayID:    protocol.NodeRelayPrimary,
			Sequence:   uint8(i),
			Primary:    20.5 + float32(i),
			HopRSSI:    -101,
		}
		if err := s.AppendReading(r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Readings(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 readings, got %d", len(got))
	}
	if got[0].Sequence != 4 || got[2].Sequence != 2 {
		t.Fatalf("expected newest first, got seqs %d..%d", got[0].Sequence, got[2].Sequence)
	}
	if got[0].RelayID != protocol.NodeRelayPrimary || got[0].HopRSSI != -101 {
		t.Fatalf("fields not preserved: %+v", got[0])
	}

	all, _ := s.Readings(0)
	if len(all) != 5 {
		t.Fatalf("expected all 5 readings, got %d", len(all))
	}
}

func TestRelayStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	st, err := s.LoadRelayState(protocol.NodeRelaySecondary)
	if err != nil {
		t.Fatal(err)
	}
	if st.BootCount != 0 || st.PacketsRelayed != 0 {
		t.Fatalf("first boot should load zero state, got %+v", st)
	}

	st.BootCount = 3
	st.PacketsRelayed = 2
	st.Errors = 4
	st.LastRSSI = -97
	st.Rejected = map[string]uint64{"checksum": 1}
	if err := s.SaveRelayState(protocol.NodeRelaySecondary, st); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s = openStore(t, dir)
	defer s.Close()
	got, err := s.LoadRelayState(protocol.NodeRelaySecondary)
	if err != nil {
		t.Fatal(err)
	}
	if got.BootCount != 3 || got.PacketsRelayed != 2 || got.Errors != 4 || got.LastRSSI != -97 || got.Rejected["checksum"] != 1 {
		t.Fatalf("state not restored: %+v", got)
	}

	other, _ := s.LoadRelayState(protocol.NodeRelayPrimary)
	if other.BootCount != 0 {
		t.Fatal("relays must not share state")
	}
}

func TestNonFiniteReadingsStored(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	nan := float32(math.NaN())
	inf := float32(math.Inf(1))
	r := Reading{
		RunID:      "run-2",
		ReceivedAt: time.Unix(1700000000, 0).UTC(),
		SourceID:   protocol.NodeSource,
		Sequence:   9,
		Primary:    nan,
		Secondary:  -inf,
		SNR:        7.25,
	}
	if err := s.AppendReading(r); err != nil {
		t.Fatalf("append NaN reading: %v", err)
	}

	got, err := s.Readings(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Sequence != 9 {
		t.Fatalf("reading missing from history: %+v", got)
	}
	if !math.IsNaN(float64(got[0].Primary)) || !math.IsInf(float64(got[0].Secondary), -1) || got[0].SNR != 7.25 {
		t.Fatalf("floats not preserved: %v %v %v", got[0].Primary, got[0].Secondary, got[0].SNR)
	}
	if got[0].RunID != "run-2" || !got[0].ReceivedAt.Equal(r.ReceivedAt) {
		t.Fatalf("other fields lost: %+v", got[0])
	}

	st := RelayState{BootCount: 1, LastPrimary: nan, LastSecondary: inf}
	if err := s.SaveRelayState(protocol.NodeRelayPrimary, st); err != nil {
		t.Fatalf("save NaN state: %v", err)
	}
	back, err := s.LoadRelayState(protocol.NodeRelayPrimary)
	if err != nil {
		t.Fatal(err)
	}
	if back.BootCount != 1 || !math.IsNaN(float64(back.LastPrimary)) || !math.IsInf(float64(back.LastSecondary), 1) {
		t.Fatalf("state floats not preserved: %+v", back)
	}
}
