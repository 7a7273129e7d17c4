package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@every 10m", kind: SpecCron, cron: "@every 10m"},
		{in: "cron: 0 3 * * *", kind: SpecCron, cron: "0 3 * * *"},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every:00:50", kind: SpecInterval, every: 50 * time.Minute},
		{in: "interval: 90s", kind: SpecInterval, every: 90 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			ps, err := ParseSchedule(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.kind, ps.Kind)
			require.Equal(t, tc.cron, ps.Cron)
			require.Equal(t, tc.every, ps.Every)
		})
	}
}

func TestParseScheduleRejects(t *testing.T) {
	for _, in := range []string{"", "cron:", "0s", "soon", "01:75", "every:-5m"} {
		_, err := ParseSchedule(in)
		require.Error(t, err, in)
	}
}
