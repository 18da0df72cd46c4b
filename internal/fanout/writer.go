package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"timeline-service/internal/feedstore"
	"timeline-service/internal/filter"
	"timeline-service/internal/metrics"
	"timeline-service/internal/models"
	"timeline-service/internal/relation"
	"timeline-service/internal/status"
)

// ErrRecipients marks a failure to resolve the recipient set of an event.
// The whole event is deferred and retried by the consumer; it is never
// partially abandoned.
var ErrRecipients = errors.New("cannot resolve recipients")

// InvalidationProducer publishes feed invalidation notices. Satisfied by
// kafka.Producer; nil disables publishing.
type InvalidationProducer interface {
	Publish(ctx context.Context, key, value []byte) error
}

// Writer computes the recipient set for each domain event and applies the
// per-recipient feed mutations through a bounded worker pool. Each
// recipient is an independent unit of work: one failing delivery never
// aborts the rest.
type Writer struct {
	statuses   *status.Repository
	relations  *relation.Repository
	manager    *Manager
	producer   InvalidationProducer
	workers    int
	maxRetries int
	log        *zap.Logger
}

func NewWriter(statuses *status.Repository, relations *relation.Repository, manager *Manager, producer InvalidationProducer, workers, maxRetries int, log *zap.Logger) *Writer {
	if workers <= 0 {
		workers = 1
	}
	return &Writer{
		statuses:   statuses,
		relations:  relations,
		manager:    manager,
		producer:   producer,
		workers:    workers,
		maxRetries: maxRetries,
		log:        log,
	}
}

// Handle dispatches one decoded event. Errors are retryable at the event
// level: the consumer re-delivers and idempotent inserts absorb the
// duplicate work.
func (w *Writer) Handle(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventStatusCreated, EventReblogCreated:
		return w.OnCreated(ctx, ev.StatusID)
	case EventStatusDeleted, EventReblogRemoved:
		return w.OnDeleted(ctx, ev.StatusID)
	case EventVisibilityChanged:
		return w.OnVisibilityChanged(ctx, ev.StatusID)
	case EventFollowCreated:
		return w.OnFollowCreated(ctx, ev.AccountID, ev.TargetAccountID)
	case EventFollowRemoved:
		return w.OnFollowRemoved(ctx, ev.AccountID, ev.TargetAccountID)
	case EventAccountBlocked:
		return w.OnAccountBlocked(ctx, ev.AccountID, ev.TargetAccountID)
	case EventAccountMuted:
		return w.OnAccountMuted(ctx, ev.AccountID, ev.TargetAccountID)
	case EventTagUnfollowed:
		return w.OnTagUnfollowed(ctx, ev.AccountID, ev.TagID)
	default:
		w.log.Warn("unknown event type", zap.String("type", ev.Type))
		return nil
	}
}

type delivery struct {
	apply func(context.Context) error
}

// OnCreated fans a new status out to every eligible recipient feed.
func (w *Writer) OnCreated(ctx context.Context, statusID uint64) error {
	started := time.Now()
	defer func() { metrics.FanOutDuration.Observe(time.Since(started).Seconds()) }()

	st, err := w.statuses.ByID(ctx, statusID)
	if err != nil {
		return fmt.Errorf("%w: status %d: %v", ErrRecipients, statusID, err)
	}

	var jobs []delivery
	switch st.Visibility {
	case models.VisibilityDirect:
		jobs, err = w.directDeliveries(ctx, st)
	case models.VisibilityPrivate, models.VisibilityLimited:
		jobs, err = w.addresseeDeliveries(ctx, st)
	default: // public, unlisted
		jobs, err = w.broadcastDeliveries(ctx, st)
	}
	if err != nil {
		return err
	}
	w.run(ctx, jobs)
	return nil
}

// OnDeleted removes a retracted status from every feed it could plausibly
// be in. A missing entry is not an error.
func (w *Writer) OnDeleted(ctx context.Context, statusID uint64) error {
	st, err := w.statuses.ByIDAny(ctx, statusID)
	if err != nil {
		return fmt.Errorf("%w: status %d: %v", ErrRecipients, statusID, err)
	}

	recipients, lists, mentioned, err := w.allPlausibleRecipients(ctx, st)
	if err != nil {
		return err
	}

	jobs := make([]delivery, 0, len(recipients)+len(lists)+len(mentioned))
	for _, rid := range recipients {
		rid := rid
		jobs = append(jobs, delivery{apply: func(ctx context.Context) error {
			_, err := w.manager.UnpushFromHome(ctx, rid, st)
			return err
		}})
	}
	for _, l := range lists {
		listID := l.ID
		jobs = append(jobs, delivery{apply: func(ctx context.Context) error {
			_, err := w.manager.UnpushFromList(ctx, listID, st)
			return err
		}})
	}
	for _, mid := range mentioned {
		mid := mid
		jobs = append(jobs, delivery{apply: func(ctx context.Context) error {
			_, err := w.manager.UnpushFromDirect(ctx, mid, st)
			return err
		}})
	}
	w.run(ctx, jobs)
	return nil
}

// OnVisibilityChanged re-derives the recipient set under the new
// visibility: entries the status is no longer eligible for are removed,
// then the remaining deliveries are re-applied idempotently.
func (w *Writer) OnVisibilityChanged(ctx context.Context, statusID uint64) error {
	st, err := w.statuses.ByID(ctx, statusID)
	if err != nil {
		return fmt.Errorf("%w: status %d: %v", ErrRecipients, statusID, err)
	}

	if st.Visibility == models.VisibilityPublic || st.Visibility == models.VisibilityUnlisted {
		return w.OnCreated(ctx, statusID)
	}

	// Narrowed: strip the broadcast copies, keep only addressees.
	recipients, lists, _, err := w.allPlausibleRecipients(ctx, st)
	if err != nil {
		return err
	}
	addressees, err := w.statuses.Mentions(ctx, st.ID)
	if err != nil {
		return fmt.Errorf("%w: mentions of %d: %v", ErrRecipients, st.ID, err)
	}
	keep := map[uint64]bool{st.AccountID: true}
	for _, a := range addressees {
		keep[a] = true
	}

	jobs := make([]delivery, 0, len(recipients)+len(lists))
	for _, rid := range recipients {
		if keep[rid] {
			continue
		}
		rid := rid
		jobs = append(jobs, delivery{apply: func(ctx context.Context) error {
			_, err := w.manager.UnpushFromHome(ctx, rid, st)
			return err
		}})
	}
	for _, l := range lists {
		listID := l.ID
		jobs = append(jobs, delivery{apply: func(ctx context.Context) error {
			_, err := w.manager.UnpushFromList(ctx, listID, st)
			return err
		}})
	}
	w.run(ctx, jobs)

	return w.OnCreated(ctx, statusID)
}

func (w *Writer) OnFollowCreated(ctx context.Context, accountID, targetID uint64) error {
	if err := w.relations.IncrementFollowerCount(ctx, targetID, 1); err != nil {
		w.log.Warn("follower count increment failed",
			zap.Uint64("account_id", targetID), zap.Error(err))
	}
	return w.manager.MergeIntoHome(ctx, accountID, targetID)
}

func (w *Writer) OnFollowRemoved(ctx context.Context, accountID, targetID uint64) error {
	if err := w.relations.IncrementFollowerCount(ctx, targetID, -1); err != nil {
		w.log.Warn("follower count decrement failed",
			zap.Uint64("account_id", targetID), zap.Error(err))
	}
	return w.manager.UnmergeFromHome(ctx, accountID, targetID)
}

// OnTagUnfollowed strips statuses the owner's home feed only carried
// because of the followed tag.
func (w *Writer) OnTagUnfollowed(ctx context.Context, accountID, tagID uint64) error {
	return w.manager.UnmergeTagFromHome(ctx, accountID, tagID)
}

func (w *Writer) OnAccountBlocked(ctx context.Context, accountID, targetID uint64) error {
	if err := w.manager.ClearFromHome(ctx, accountID, targetID); err != nil {
		return err
	}
	w.publishInvalidation(ctx, InvalidationEvent{
		AccountID: accountID, TargetAccountID: targetID, Reason: "block",
	})
	return nil
}

func (w *Writer) OnAccountMuted(ctx context.Context, accountID, targetID uint64) error {
	if err := w.manager.ClearFromHome(ctx, accountID, targetID); err != nil {
		return err
	}
	w.publishInvalidation(ctx, InvalidationEvent{
		AccountID: accountID, TargetAccountID: targetID, Reason: "mute",
	})
	return nil
}

// broadcastDeliveries builds the job set for a public or unlisted status:
// the author's own home feed unconditionally, every local follower's home
// feed behind the visibility filter, and every list containing the author.
func (w *Writer) broadcastDeliveries(ctx context.Context, st *models.Status) ([]delivery, error) {
	followers, err := w.relations.LocalFollowerIDs(ctx, st.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecipients, err)
	}
	lists, err := w.relations.ListsContaining(ctx, st.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecipients, err)
	}
	cr, err := w.relations.BuildCrutches(ctx, st, followers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecipients, err)
	}

	jobs := make([]delivery, 0, len(followers)+len(lists)+1)
	jobs = append(jobs, w.homeDelivery(st.AccountID, st))
	for _, rid := range followers {
		if rid == st.AccountID {
			continue
		}
		if filter.FromHome(st, rid, cr) {
			metrics.FanOutSkips.Inc()
			continue
		}
		jobs = append(jobs, w.homeDelivery(rid, st))
	}
	for _, l := range lists {
		l := l
		jobs = append(jobs, delivery{apply: func(ctx context.Context) error {
			pushed, err := w.manager.PushToList(ctx, &l, st)
			if err == nil && pushed {
				metrics.FanOutDeliveries.WithLabelValues(string(feedstore.TypeList)).Inc()
			}
			return err
		}})
	}
	return jobs, nil
}

// addresseeDeliveries covers private and limited statuses: only the
// explicit addressees plus the author receive the status, and only in
// their home feeds.
func (w *Writer) addresseeDeliveries(ctx context.Context, st *models.Status) ([]delivery, error) {
	addressees, err := w.statuses.Mentions(ctx, st.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: mentions of %d: %v", ErrRecipients, st.ID, err)
	}
	cr, err := w.relations.BuildCrutches(ctx, st, addressees)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecipients, err)
	}

	jobs := []delivery{w.homeDelivery(st.AccountID, st)}
	for _, rid := range addressees {
		if rid == st.AccountID {
			continue
		}
		if filter.FromHome(st, rid, cr) {
			metrics.FanOutSkips.Inc()
			continue
		}
		jobs = append(jobs, w.homeDelivery(rid, st))
	}
	return jobs, nil
}

// directDeliveries covers direct statuses: the conversation feeds of the
// addressees and the author.
func (w *Writer) directDeliveries(ctx context.Context, st *models.Status) ([]delivery, error) {
	addressees, err := w.statuses.Mentions(ctx, st.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: mentions of %d: %v", ErrRecipients, st.ID, err)
	}
	cr, err := w.relations.BuildCrutches(ctx, st, addressees)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecipients, err)
	}

	jobs := []delivery{w.directDelivery(st.AccountID, st)}
	for _, rid := range addressees {
		if rid == st.AccountID {
			continue
		}
		if filter.FromDirect(st, rid, cr) {
			metrics.FanOutSkips.Inc()
			continue
		}
		jobs = append(jobs, w.directDelivery(rid, st))
	}
	return jobs, nil
}

func (w *Writer) homeDelivery(recipientID uint64, st *models.Status) delivery {
	return delivery{apply: func(ctx context.Context) error {
		pushed, err := w.manager.PushToHome(ctx, recipientID, st)
		if err == nil && pushed {
			metrics.FanOutDeliveries.WithLabelValues(string(feedstore.TypeHome)).Inc()
		}
		return err
	}}
}

func (w *Writer) directDelivery(recipientID uint64, st *models.Status) delivery {
	return delivery{apply: func(ctx context.Context) error {
		pushed, err := w.manager.PushToDirect(ctx, recipientID, st)
		if err == nil && pushed {
			metrics.FanOutDeliveries.WithLabelValues(string(feedstore.TypeDirect)).Inc()
		}
		return err
	}}
}

func (w *Writer) allPlausibleRecipients(ctx context.Context, st *models.Status) ([]uint64, []models.List, []uint64, error) {
	followers, err := w.relations.LocalFollowerIDs(ctx, st.AccountID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrRecipients, err)
	}
	lists, err := w.relations.ListsContaining(ctx, st.AccountID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrRecipients, err)
	}
	mentioned, err := w.statuses.Mentions(ctx, st.Proper().ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrRecipients, err)
	}
	recipients := append([]uint64{st.AccountID}, followers...)
	recipients = append(recipients, mentioned...)
	return recipients, lists, append(mentioned, st.AccountID), nil
}

// run applies the deliveries through the worker pool. Each delivery gets
// its own bounded exponential-backoff retry; exhaustion is counted and
// logged, never propagated, because the relational store remains the
// fallback source of truth.
func (w *Writer) run(ctx context.Context, jobs []delivery) {
	if len(jobs) == 0 {
		return
	}
	ch := make(chan delivery)
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range ch {
				w.deliverOne(ctx, j)
			}
		}()
	}
	for _, j := range jobs {
		ch <- j
	}
	close(ch)
	wg.Wait()
}

func (w *Writer) deliverOne(ctx context.Context, j delivery) {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(w.maxRetries)), ctx)
	err := backoff.Retry(func() error {
		err := j.apply(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, feedstore.ErrTransientStore) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
	if err != nil {
		metrics.FanOutFailures.Inc()
		w.log.Warn("delivery failed", zap.Error(err))
	}
}

func (w *Writer) publishInvalidation(ctx context.Context, ev InvalidationEvent) {
	if w.producer == nil {
		return
	}
	key := []byte(fmt.Sprintf("%d", ev.AccountID))
	if err := w.producer.Publish(ctx, key, ev.Encode()); err != nil {
		w.log.Warn("invalidation publish failed", zap.Error(err))
	}
}
