package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"stayintouch/internal/eventbus"
	rtsup "stayintouch/internal/runtime/supervisor"
	"stayintouch/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "Europe/Berlin"; empty means local
}

// Job is one scheduled function. Timeout bounds a single run.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name          string
	spec          string
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
	lastErr atomic.Value // string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	sup    *rtsup.Supervisor
	defs   []*scheduleDef
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Running bool
	Runs    uint64
	Skipped uint64
	Failed  uint64
	LastErr string
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}

// RunEvent is the eventbus payload for job completions.
type RunEvent struct {
	Name  string        `json:"name"`
	Took  time.Duration `json:"took"`
	Error string        `json:"error,omitempty"`
}
