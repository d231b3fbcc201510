package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/chatcore/internal/logger"
)

// Scheduler запускает фоновые чистки по cron: почасовую для доставленных
// сообщений и ежедневную для так и не доставленных.
type Scheduler struct {
	svc             *Service
	deliveredCron   string
	undeliveredCron string
}

func NewScheduler(svc *Service, deliveredCron, undeliveredCron string) (*Scheduler, error) {
	if deliveredCron == "" {
		deliveredCron = "0 * * * *"
	}
	if undeliveredCron == "" {
		undeliveredCron = "30 3 * * *"
	}
	if !gronx.IsValid(deliveredCron) {
		return nil, fmt.Errorf("invalid delivered cleanup cron %q", deliveredCron)
	}
	if !gronx.IsValid(undeliveredCron) {
		return nil, fmt.Errorf("invalid undelivered cleanup cron %q", undeliveredCron)
	}
	return &Scheduler{svc: svc, deliveredCron: deliveredCron, undeliveredCron: undeliveredCron}, nil
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Infof("cleanup scheduler started: delivered=%q undelivered=%q", s.deliveredCron, s.undeliveredCron)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.runLoop(ctx, s.deliveredCron, "delivered", func(ctx context.Context) error {
			_, err := s.svc.CleanupDelivered(ctx)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		s.runLoop(ctx, s.undeliveredCron, "undelivered", func(ctx context.Context) error {
			_, err := s.svc.CleanupUndelivered(ctx)
			return err
		})
	}()
	wg.Wait()
	logger.Info("cleanup scheduler stopped")
}

// runLoop спит до следующего тика cron-выражения и выполняет задачу.
// Ошибки логируются, цикл не прерывают.
func (s *Scheduler) runLoop(ctx context.Context, cronExpr, name string, run func(context.Context) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		next, err := gronx.NextTickAfter(cronExpr, time.Now().UTC(), false)
		if err != nil {
			logger.Errorf("cleanup %s: next tick for %q: %v", name, cronExpr, err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := run(ctx); err != nil {
				logger.Errorf("cleanup %s: %v", name, err)
			}
		case <-ctx.Done():
			return
		}
	}
}
