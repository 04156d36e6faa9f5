package bot

import (
	"testing"

	"fundingarb/internal/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from string
		to   string
		want bool
	}{
		{models.PositionStatusOpen, models.PositionStatusClosing, true},
		{models.PositionStatusClosing, models.PositionStatusClosed, true},
		{models.PositionStatusOpen, models.PositionStatusClosed, false},
		{models.PositionStatusClosing, models.PositionStatusOpen, false},
		{models.PositionStatusClosed, models.PositionStatusOpen, false},
		{models.PositionStatusClosed, models.PositionStatusClosing, false},
		{models.PositionStatusOpen, models.PositionStatusOpen, false},
		{"UNKNOWN", models.PositionStatusClosed, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusInfo(t *testing.T) {
	for _, status := range []string{
		models.PositionStatusOpen,
		models.PositionStatusClosing,
		models.PositionStatusClosed,
	} {
		if StatusInfo(status) == "" {
			t.Errorf("StatusInfo(%s) is empty", status)
		}
	}
}
