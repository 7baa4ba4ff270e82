// Package notify connects the engine to the provider's push notification
// pipe and runs the periodic schedules that keep sync alive when pushes are
// delayed or lost.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"

	"mail-triage/internal/config"
	"mail-triage/internal/store"
	"mail-triage/internal/syncengine"
)

// mailboxNotification is the payload the provider publishes on every
// mailbox change.
type mailboxNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Subscriber pulls mailbox change notifications from the Pub/Sub
// subscription and turns them into sync tasks. This is the pull-mode
// counterpart of the API's push endpoint; deployments use one or the other.
type Subscriber struct {
	client   *pubsub.Client
	subName  string
	accounts store.Accounts
	engine   *syncengine.Engine
}

func NewSubscriber(ctx context.Context, cfg config.Config, accounts store.Accounts, engine *syncengine.Engine) (*Subscriber, error) {
	client, err := pubsub.NewClient(ctx, cfg.PubSubProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Subscriber{
		client:   client,
		subName:  cfg.PubSubSubscription,
		accounts: accounts,
		engine:   engine,
	}, nil
}

// Run receives until context cancellation. Every message is acked whether or
// not it produced work: redelivery cannot fix an unknown account or a
// malformed payload, and coalesced notifications are covered by the sync
// already in flight.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.client.Subscription(s.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check subscription: %w", err)
	}
	if !exists {
		return fmt.Errorf("subscription %s does not exist", s.subName)
	}

	log.Info().Str("subscription", s.subName).Msg("notification subscriber starting")
	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		defer msg.Ack()
		s.handle(ctx, msg.Data)
	})
}

func (s *Subscriber) handle(ctx context.Context, data []byte) {
	var n mailboxNotification
	if err := json.Unmarshal(data, &n); err != nil || n.EmailAddress == "" {
		log.Warn().Err(err).Msg("unparseable notification dropped")
		return
	}

	account, err := s.accounts.GetByEmail(ctx, n.EmailAddress)
	if err != nil {
		log.Warn().Err(err).Str("email", n.EmailAddress).Msg("notification for unknown account dropped")
		return
	}

	cursor := ""
	if n.HistoryID > 0 {
		cursor = strconv.FormatUint(n.HistoryID, 10)
	}
	queued, err := s.engine.ProcessNotification(ctx, account.ID, cursor)
	if err != nil {
		log.Error().Err(err).Int64("account_id", account.ID).Msg("notification enqueue failed")
		return
	}
	log.Debug().Int64("account_id", account.ID).Bool("queued", queued).
		Uint64("history_id", n.HistoryID).Msg("notification handled")
}

// Close releases the underlying client. Receive must have returned.
func (s *Subscriber) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// sleepCtx pauses for d or until cancellation.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
