package maintenance

import (
	"context"
	"time"

	logx "castbot/pkg/logx"
)

// Pruner deletes history older than a cutoff.
type Pruner interface {
	PruneRunRecords(ctx context.Context, before time.Time) (int64, error)
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper drops expired conversations.
type Sweeper interface {
	Sweep() int
}

const (
	JobPruneRuns          = "runs.prune"
	JobPruneAudit         = "audit.prune"
	JobSweepConversations = "conversations.sweep"
)

// DefaultJobs builds the standard housekeeping set. Retention is read from
// the service config on every run, so hot reloads apply without
// re-registering. A zero retention skips that prune.
func (s *Service) DefaultJobs(p Pruner, sw Sweeper) []Job {
	var jobs []Job
	if p != nil {
		jobs = append(jobs,
			Job{Name: JobPruneRuns, Timeout: time.Minute, Run: func(ctx context.Context) error {
				keep := s.Config().RunRetention
				if keep <= 0 {
					return nil
				}
				n, err := p.PruneRunRecords(ctx, s.now().Add(-keep))
				if err != nil {
					return err
				}
				if n > 0 {
					s.log.Info("pruned run records", logx.Int64("rows", n), logx.Duration("retention", keep))
				}
				return nil
			}},
			Job{Name: JobPruneAudit, Timeout: time.Minute, Run: func(ctx context.Context) error {
				keep := s.Config().AuditRetention
				if keep <= 0 {
					return nil
				}
				n, err := p.PruneAudit(ctx, s.now().Add(-keep))
				if err != nil {
					return err
				}
				if n > 0 {
					s.log.Info("pruned audit log", logx.Int64("rows", n), logx.Duration("retention", keep))
				}
				return nil
			}},
		)
	}
	if sw != nil {
		jobs = append(jobs, Job{Name: JobSweepConversations, Schedule: "@every 1m", Run: func(context.Context) error {
			if n := sw.Sweep(); n > 0 {
				s.log.Debug("expired conversations dropped", logx.Int("count", n))
			}
			return nil
		}})
	}
	return jobs
}
