package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseUTC(t *testing.T) {
	t.Parallel()

	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := map[string]struct {
		in   string
		want time.Time
		ok   bool
	}{
		"minutes with Z":      {in: "2025-01-01T00:00Z", want: want, ok: true},
		"seconds with Z":      {in: "2025-01-01T00:00:00Z", want: want, ok: true},
		"lowercase z":         {in: "2025-01-01T00:00:00z", want: want, ok: true},
		"millis":              {in: "2025-01-01T00:00:00.000Z", want: want, ok: true},
		"offset":              {in: "2025-01-01T08:00:00+08:00", want: want, ok: true},
		"naive is utc":        {in: "2025-01-01T00:00:00", want: want, ok: true},
		"space separated":     {in: "2025-01-01 00:00:00", want: want, ok: true},
		"date only":           {in: "2025-01-01", want: want, ok: true},
		"control chars":       {in: "2025-01-01T00:00:00Z\x00\u200b", want: want, ok: true},
		"permanent":           {in: "PERM", ok: false},
		"ufn lowercase":       {in: " ufn ", ok: false},
		"until further":       {in: "UNTIL FURTHER NOTICE", ok: false},
		"empty":               {in: "", ok: false},
		"garbage":             {in: "next tuesday", ok: false},
		"impossible calendar": {in: "2025-02-30T00:00:00Z", ok: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseUTC(tc.in)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.True(t, tc.want.Equal(got), "got %v", got)
				require.Equal(t, time.UTC, got.Location())
			}
		})
	}
}

func TestFormatZ(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("x", 3600)
	require.Equal(t, "2025-01-01T00:00:00Z", FormatZ(time.Date(2025, 1, 1, 1, 0, 0, 0, loc)))
	require.Nil(t, ParseUTCPtr("NIL"))
	require.NotNil(t, ParseUTCPtr("2025-01-01"))
}
