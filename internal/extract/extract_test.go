package extract

import (
	"errors"
	"testing"
	"time"
)

func TestExtractDialects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		dialect Dialect
		text    string
		want    time.Time
		wantErr error
	}{
		{
			name:    "delimited backtick literal",
			dialect: DialectDelimited,
			text:    "Group starts at `2025-03-14 18:30` sharp, be there.",
			want:    time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC),
		},
		{
			name:    "delimited with padding inside backticks",
			dialect: DialectDelimited,
			text:    "starts ` 2025-03-14 18:30 ` maybe",
			want:    time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC),
		},
		{
			name:    "delimited no backticks",
			dialect: DialectDelimited,
			text:    "no timestamp here",
			wantErr: ErrNoTimestamp,
		},
		{
			name:    "delimited unclosed backtick",
			dialect: DialectDelimited,
			text:    "broken `2025-03-14 18:30",
			wantErr: ErrNoTimestamp,
		},
		{
			name:    "delimited garbage inside backticks",
			dialect: DialectDelimited,
			text:    "see `next tuesday` for details",
			wantErr: ErrBadTimestamp,
		},
		{
			name:    "marker line before token",
			dialect: DialectMarker,
			text:    "Raid night!\n18:30 03/14/2025\n(gametime) bring flasks",
			want:    time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC),
		},
		{
			name:    "marker token on same line",
			dialect: DialectMarker,
			text:    "18:30 03/14/2025 (gametime)",
			want:    time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC),
		},
		{
			name:    "marker missing token",
			dialect: DialectMarker,
			text:    "18:30 03/14/2025",
			wantErr: ErrNoTimestamp,
		},
		{
			name:    "marker malformed time",
			dialect: DialectMarker,
			text:    "soon-ish\n(gametime)",
			wantErr: ErrBadTimestamp,
		},
		{
			name:    "empty input",
			dialect: DialectMarker,
			text:    "   ",
			wantErr: ErrNoTimestamp,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.dialect, tt.text)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Extract error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Extract error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Extract = %v, want %v", got, tt.want)
			}
			if got.Location() != time.UTC {
				t.Fatalf("expected UTC instant, got %v", got.Location())
			}
		})
	}
}

func TestExtractUnknownDialect(t *testing.T) {
	t.Parallel()
	if _, err := Extract(Dialect("bogus"), "whatever"); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
	if Known(Dialect("bogus")) {
		t.Fatal("bogus dialect should not be known")
	}
	if !Known(DialectDelimited) || !Known(DialectMarker) {
		t.Fatal("built-in dialects should be known")
	}
}
