package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextCloseAfter(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	cal := NewSessionCalendar(15, 15, loc)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "before close on a weekday",
			now:  time.Date(2026, 9, 1, 10, 0, 0, 0, loc), // Tuesday
			want: time.Date(2026, 9, 1, 15, 15, 0, 0, loc),
		},
		{
			name: "after close rolls to next day",
			now:  time.Date(2026, 9, 1, 16, 0, 0, 0, loc),
			want: time.Date(2026, 9, 2, 15, 15, 0, 0, loc),
		},
		{
			name: "friday evening rolls over the weekend",
			now:  time.Date(2026, 9, 4, 15, 30, 0, 0, loc), // Friday
			want: time.Date(2026, 9, 7, 15, 15, 0, 0, loc), // Monday
		},
		{
			name: "saturday goes to monday",
			now:  time.Date(2026, 9, 5, 11, 0, 0, 0, loc),
			want: time.Date(2026, 9, 7, 15, 15, 0, 0, loc),
		},
		{
			name: "exactly at close rolls forward",
			now:  time.Date(2026, 9, 1, 15, 15, 0, 0, loc),
			want: time.Date(2026, 9, 2, 15, 15, 0, 0, loc),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cal.NextCloseAfter(tt.now)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}
}
