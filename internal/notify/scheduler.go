package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"mail-triage/internal/config"
	"mail-triage/internal/mail"
	"mail-triage/internal/models"
	"mail-triage/internal/queue"
	"mail-triage/internal/store"
	"mail-triage/internal/telemetry"
)

// Scheduler runs the time-driven safety nets: the fallback sync for pushes
// that never arrived, the periodic full scan that repairs drift, and the
// renewal of the provider's push watch, which expires on its own schedule.
type Scheduler struct {
	cfg      config.Config
	tasks    queue.Tasks
	accounts store.Accounts
	cursors  store.Cursors
	mailbox  mail.Service
}

func NewScheduler(cfg config.Config, tasks queue.Tasks, accounts store.Accounts, cursors store.Cursors, mailbox mail.Service) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		tasks:    tasks,
		accounts: accounts,
		cursors:  cursors,
		mailbox:  mailbox,
	}
}

// Run blocks until context cancellation. Watches are renewed once at
// startup so a restarted service never waits a full interval with an
// expired subscription.
func (s *Scheduler) Run(ctx context.Context) error {
	sleepCtx(ctx, 5*time.Second)
	s.renewWatches(ctx)

	fallback := time.NewTicker(s.cfg.FallbackSyncInterval)
	defer fallback.Stop()
	full := time.NewTicker(s.cfg.FullSyncInterval)
	defer full.Stop()
	watch := time.NewTicker(s.cfg.WatchRenewalInterval)
	defer watch.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fallback.C:
			s.queueSyncs(ctx, false)
		case <-full.C:
			s.queueSyncs(ctx, true)
		case <-watch.C:
			s.renewWatches(ctx)
		}
	}
}

// queueSyncs enqueues one sync task per active account, skipping accounts
// with a sync already in flight.
func (s *Scheduler) queueSyncs(ctx context.Context, full bool) {
	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduled sync: account listing failed")
		return
	}

	queued := 0
	for _, account := range accounts {
		active, err := s.tasks.HasActive(ctx, models.KindSync, account.ID, "")
		if err != nil {
			log.Error().Err(err).Int64("account_id", account.ID).Msg("scheduled sync: active check failed")
			continue
		}
		if active {
			continue
		}
		if _, err := s.tasks.Enqueue(ctx, models.KindSync, account.ID, map[string]any{
			models.PayloadForceFull: full,
		}); err != nil {
			log.Error().Err(err).Int64("account_id", account.ID).Msg("scheduled sync: enqueue failed")
			continue
		}
		telemetry.TasksEnqueued.WithLabelValues(string(models.KindSync)).Inc()
		queued++
	}
	log.Info().Int("accounts", len(accounts)).Int("queued", queued).Bool("full", full).
		Msg("scheduled sync pass")
}

// renewWatches re-registers the push subscription for every active account.
// Renewal is unconditional on each tick; the provider treats a repeated
// watch call as a refresh.
func (s *Scheduler) renewWatches(ctx context.Context) {
	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("watch renewal: account listing failed")
		return
	}

	topic := fmt.Sprintf("projects/%s/topics/%s", s.cfg.PubSubProjectID, s.cfg.PubSubTopic)
	for _, account := range accounts {
		if err := s.renewWatch(ctx, account, topic); err != nil {
			log.Error().Err(err).Int64("account_id", account.ID).Msg("watch renewal failed")
		}
	}
}

func (s *Scheduler) renewWatch(ctx context.Context, account models.Account, topic string) error {
	client, err := s.mailbox.ForAccount(ctx, account.Email)
	if err != nil {
		return err
	}
	handle, err := client.RegisterWatch(ctx, topic, []string{"INBOX"})
	if err != nil {
		return err
	}

	// A first-time watch also baselines the cursor so the account does not
	// start with an unbounded change window.
	if _, err := s.cursors.Get(ctx, account.ID); errors.Is(err, store.ErrNotFound) {
		if err := s.cursors.Advance(ctx, account.ID, handle.Cursor); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if err := s.cursors.SetWatch(ctx, account.ID, handle.ResourceID, handle.ExpiresAt); err != nil {
		return err
	}
	log.Info().Int64("account_id", account.ID).Time("expires_at", handle.ExpiresAt).
		Msg("push watch renewed")
	return nil
}
