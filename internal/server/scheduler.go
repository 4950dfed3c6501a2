package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	core "github.com/mohammad-safakhou/prosearch/internal/agent/core"
	"github.com/mohammad-safakhou/prosearch/internal/store"
)

// TopicRunner starts a research run for a scheduled topic.
type TopicRunner interface {
	StartRun(ctx context.Context, userID, topicID, topic string, opts core.RunOptions) (string, error)
}

// Scheduler re-researches topics on their cron schedule. A Redis SETNX
// lock per topic keeps replicas from firing duplicate runs.
type Scheduler struct {
	Store  *store.Store
	Stop   chan struct{}
	Rdb    *redis.Client
	Runner TopicRunner
	Logger *log.Logger
}

func (s *Scheduler) Start() {
	ticker := time.NewTicker(1 * time.Hour)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	topics, err := s.Store.ListScheduledTopics(ctx)
	if err != nil {
		s.Logger.Printf("list topics: %v", err)
		return
	}
	for _, t := range topics {
		last, _ := s.Store.LatestRunTime(ctx, t.ID)
		if !isDue(t.ScheduleCron, last) {
			continue
		}

		if s.Rdb != nil {
			lockKey := "sched:lock:" + t.ID
			ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if !ok {
				continue
			}
		}

		runID, err := s.Runner.StartRun(ctx, t.UserID, t.ID, t.Name, core.RunOptions{})
		if err != nil {
			s.Logger.Printf("topic %s: start run: %v", t.ID, err)
			continue
		}
		s.Logger.Printf("topic %s (%q): started run %s", t.ID, t.Name, runID)
	}
}

// isDue determines if a topic with cronSpec should run now based on last
// run time. Supports "@daily", "@hourly", and standard cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
