// Package fleet starts one session per configured stream, watches them and
// coordinates shutdown.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"camvault/internal/observability/logging"
	"camvault/internal/session"
)

// Config lists the sessions to supervise.
type Config struct {
	Sessions []session.Config
	// MaxConcurrentUploads bounds transfers across all streams. Zero leaves
	// each stream limited only by its own serialized pipeline.
	MaxConcurrentUploads int64
	Logger               *slog.Logger
}

// Supervisor owns every session of the process.
type Supervisor struct {
	logger   *slog.Logger
	sessions []*session.Session
	byID     map[string]*session.Session

	startOnce sync.Once
	done      chan struct{}
}

// New constructs one session per stream. Stream ids must be unique.
func New(cfg Config) (*Supervisor, error) {
	if len(cfg.Sessions) == 0 {
		return nil, fmt.Errorf("at least one stream must be configured")
	}
	var limiter *semaphore.Weighted
	if cfg.MaxConcurrentUploads > 0 {
		limiter = semaphore.NewWeighted(cfg.MaxConcurrentUploads)
	}
	sup := &Supervisor{
		logger: logging.WithComponent(logging.OrDefault(cfg.Logger), "fleet"),
		byID:   make(map[string]*session.Session, len(cfg.Sessions)),
		done:   make(chan struct{}),
	}
	for _, sc := range cfg.Sessions {
		id := sc.Namer.StreamID
		if _, dup := sup.byID[id]; dup {
			return nil, fmt.Errorf("duplicate stream id %q", id)
		}
		if sc.Upload.Limiter == nil {
			sc.Upload.Limiter = limiter
		}
		sess, err := session.New(sc)
		if err != nil {
			return nil, err
		}
		sup.sessions = append(sup.sessions, sess)
		sup.byID[id] = sess
	}
	return sup, nil
}

// Start launches every session. Sessions that fail to start are reported as
// Failed while the others keep recording; an error is returned only when no
// session could start.
func (s *Supervisor) Start(ctx context.Context) error {
	var errs []error
	s.startOnce.Do(func() {
		started := 0
		for _, sess := range s.sessions {
			if err := sess.Start(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stream %s: %w", sess.StreamID(), err))
				continue
			}
			started++
		}
		s.logger.Info("fleet started", "streams", len(s.sessions), "recording", started)
		for _, sess := range s.sessions {
			go s.observe(sess)
		}
		go s.awaitAll()
		if started > 0 {
			errs = nil
		}
	})
	return errors.Join(errs...)
}

// observe reports sessions that end without a stop request.
func (s *Supervisor) observe(sess *session.Session) {
	<-sess.Done()
	report := sess.Status()
	if report.State == session.StateFailed {
		s.logger.Error("stream session failed", "stream_id", report.StreamID, "run_id", report.RunID, "uploaded", len(report.Uploaded), "retained", report.Undelivered(), "error", report.Error)
	}
}

func (s *Supervisor) awaitAll() {
	for _, sess := range s.sessions {
		<-sess.Done()
	}
	close(s.done)
}

// Done is closed once every session is terminal, whether stopped or failed on
// its own.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Stop requests a stop on every session concurrently and waits for all of
// them to reach a terminal state.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.logger.Info("stopping fleet", "streams", len(s.sessions))
	var g errgroup.Group
	for _, sess := range s.sessions {
		sess := sess
		g.Go(func() error {
			err := sess.Stop(ctx)
			if errors.Is(err, session.ErrInvalidTransition) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("stream %s: %w", sess.StreamID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Session returns the status of one stream.
func (s *Supervisor) Session(id string) (session.Report, bool) {
	sess, ok := s.byID[id]
	if !ok {
		return session.Report{}, false
	}
	return sess.Status(), true
}

// Reports returns every session's status ordered by stream id.
func (s *Supervisor) Reports() []session.Report {
	reports := make([]session.Report, 0, len(s.sessions))
	for _, sess := range s.sessions {
		reports = append(reports, sess.Status())
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].StreamID < reports[j].StreamID })
	return reports
}

// Summary aggregates the terminal state of the fleet.
type Summary struct {
	Sessions    []session.Report
	Stopped     int
	Failed      int
	Undelivered int
}

// Summary should be called after Done is closed; earlier calls describe
// sessions that are still running.
func (s *Supervisor) Summary() Summary {
	sum := Summary{Sessions: s.Reports()}
	for _, r := range sum.Sessions {
		switch r.State {
		case session.StateStopped:
			sum.Stopped++
		case session.StateFailed:
			sum.Failed++
		}
		sum.Undelivered += r.Undelivered()
	}
	return sum
}

// Clean reports whether every session stopped on request with every segment
// delivered.
func (s Summary) Clean() bool {
	for _, r := range s.Sessions {
		if !r.Clean() {
			return false
		}
	}
	return true
}

// ExitCode is 0 for a clean fleet and 1 otherwise.
func (s Summary) ExitCode() int {
	if s.Clean() {
		return 0
	}
	return 1
}
