package framestore

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/wire"
)

func TestLatestFramePerVenue(t *testing.T) {
	s := New(zerolog.Nop())

	if _, ok := s.Latest("venue-1"); ok {
		t.Fatal("Latest on empty store returned a frame")
	}

	s.Put("venue-1", wire.PreviewFrame{Timestamp: 100, Width: 640, Height: 360, Format: "jpeg", Data: "aGVsbG8="})
	s.Put("venue-2", wire.PreviewFrame{Timestamp: 200, Format: "jpeg", Data: "d29ybGQ="})
	s.Put("venue-1", wire.PreviewFrame{Timestamp: 300, Width: 1280, Height: 720, Format: "jpeg", Data: "bmV3ZXI="})

	t.Run("newest_wins", func(t *testing.T) {
		f, ok := s.Latest("venue-1")
		if !ok {
			t.Fatal("no frame for venue-1")
		}
		if f.Timestamp != 300 || f.Width != 1280 {
			t.Errorf("got frame ts=%d w=%d, want newest (300, 1280)", f.Timestamp, f.Width)
		}
	})

	t.Run("venues_isolated", func(t *testing.T) {
		f, ok := s.Latest("venue-2")
		if !ok || f.Timestamp != 200 {
			t.Errorf("venue-2 frame = %+v, %v", f, ok)
		}
	})

	t.Run("forget_drops_frame", func(t *testing.T) {
		s.Forget("venue-1")
		if _, ok := s.Latest("venue-1"); ok {
			t.Error("frame survived Forget")
		}
		if _, ok := s.Latest("venue-2"); !ok {
			t.Error("Forget removed the wrong venue")
		}
	})
}
