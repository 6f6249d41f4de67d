package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
	"go.uber.org/zap"

	"pullsub/internal/couchbase"
	"pullsub/internal/pub"
	"pullsub/internal/validator"
)

const (
	// scanFactor widens the window read past the cursor so leased and
	// acknowledged messages do not starve a pull.
	scanFactor = 4
	// maxCursorAdvance bounds the receipts checked by one cursor advance.
	maxCursorAdvance = 1000
	messageRetention = 7 * 24 * time.Hour
)

// Stores groups the collections the Controller works on.
type Stores struct {
	Cursors    *couchbase.Couchbase[pub.Cursor]
	Leases     *couchbase.Couchbase[pub.Lease]
	Messages   *couchbase.Couchbase[pub.Message]
	Offsets    *couchbase.Couchbase[pub.Offset]
	Receipts   *couchbase.Couchbase[pub.Receipt]
	Deliveries *couchbase.Couchbase[uint64]
}

// Controller is the concrete implementation of the pub.Controller interface.
// Messages are appended per topic shard; a subscription's delivery state is
// a cursor plus one lease document per outstanding delivery and one receipt
// per acknowledged message.
type Controller struct {
	cursors      *couchbase.Couchbase[pub.Cursor]
	leases       *couchbase.Couchbase[pub.Lease]
	messages     *couchbase.Couchbase[pub.Message]
	offsets      *couchbase.Couchbase[pub.Offset]
	receipts     *couchbase.Couchbase[pub.Receipt]
	deliveries   *couchbase.Couchbase[uint64]
	transactions *couchbase.Transactions
	logger       *zap.Logger
	// don't love that take we in the bucket scope for this, should probably
	// abstract out the querying so i dont have to
	bucket string
	scope  string
}

// NewController creates a Controller on pre-configured collections.
func NewController(
	stores Stores,
	transactions *couchbase.Transactions,
	bucket, scope string,
	logger *zap.Logger,
) (*Controller, error) {
	c := Controller{
		cursors:      stores.Cursors,
		leases:       stores.Leases,
		messages:     stores.Messages,
		offsets:      stores.Offsets,
		receipts:     stores.Receipts,
		deliveries:   stores.Deliveries,
		transactions: transactions,
		bucket:       bucket,
		scope:        scope,
		logger:       logger,
	}

	if err := validator.Validate(
		"controller",
		c.cursors,
		c.leases,
		c.messages,
		c.offsets,
		c.receipts,
		c.deliveries,
		c.transactions,
		c.bucket,
		c.scope,
		c.logger,
	); err != nil {
		return nil, fmt.Errorf("failed to validate controller dependencies: %w", err)
	}
	c.logger = c.logger.Named("controller")

	return &c, nil
}

// GetCursor implements pub.Controller.GetCursor by retrieving cursor position from storage.
// Returns 0 for new subscriptions that don't have a cursor yet.
func (c *Controller) GetCursor(ctx context.Context, topic, sub string, shard int) (uint64, error) {
	key := pub.CursorKey(topic, sub, shard)

	cur, err := c.cursors.Get(ctx, key, nil)
	switch {
	case err == nil:
		return cur.Offset, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return 0, nil
	default:
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}
}

// CommitCursor implements pub.Controller.CommitCursor using distributed transactions.
func (c *Controller) CommitCursor(topic, sub string, shard int, offset uint64) error {
	_, err := c.transactions.Transaction(func(r couchbase.TransactionRunner) error {
		return c.commitCursor(r, topic, sub, shard, func(uint64) uint64 { return offset })
	})
	if err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}

	return nil
}

// advanceCursor moves the cursor past every contiguous acknowledged message.
func (c *Controller) advanceCursor(topic, sub string, shard int) error {
	var advanceErr error
	_, err := c.transactions.Transaction(func(r couchbase.TransactionRunner) error {
		return c.commitCursor(r, topic, sub, shard, func(from uint64) uint64 {
			next := from
			for next < from+maxCursorAdvance {
				acked, err := r.Exists(c.receipts, pub.ReceiptKey(sub, pub.MessageKey(topic, shard, next)))
				if err != nil {
					advanceErr = err
					break
				}
				if !acked {
					break
				}
				next++
			}
			return next
		})
	})
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	if advanceErr != nil {
		return fmt.Errorf("failed to check receipts: %w", advanceErr)
	}

	return nil
}

// commitCursor moves the cursor to next(current). Cursors never move backwards.
func (c *Controller) commitCursor(r couchbase.TransactionRunner, topic, sub string, shard int, next func(uint64) uint64) error {
	key := pub.CursorKey(topic, sub, shard)

	retry := true
	for retry {
		retry = false

		res, err := r.Get(c.cursors, key)
		switch {
		case err == nil:
		case errors.Is(err, gocb.ErrDocumentNotFound):
			offset := next(0)
			if offset == 0 {
				return nil
			}
			cursor := pub.Cursor{
				ID:     key,
				Topic:  topic,
				Sub:    sub,
				Shard:  shard,
				Offset: offset,
			}
			_, err := r.Insert(c.cursors, key, cursor)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, gocb.ErrDocumentExists):
				// allow retry if the document already exists
				retry = true
				continue
			default:
				return fmt.Errorf("failed to insert new cursor: %w", err)
			}
		default:
			return fmt.Errorf("failed to get cursor: %w", err)
		}

		var cursor pub.Cursor
		if err := res.Content(&cursor); err != nil {
			return fmt.Errorf("failed to decode cursor: %w", err)
		}

		offset := next(cursor.Offset)
		if offset <= cursor.Offset {
			return nil
		}

		cursor.Offset = offset
		if _, err := r.Replace(res, cursor); err != nil {
			return fmt.Errorf("failed to replace cursor: %w", err)
		}
	}

	return nil
}

// GetOffset implements pub.Controller.GetOffset by retrieving the current write position.
func (c *Controller) GetOffset(ctx context.Context, topic string, shard int) (uint64, error) {
	offsetKey := pub.OffsetKey(topic, shard)
	offset, err := c.offsets.Get(ctx, offsetKey, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get offset: %w", err)
	}

	return offset.N, nil
}

// CommitOffset implements pub.Controller.CommitOffset using distributed transactions.
// Advances the write position for producers publishing to a topic shard.
func (c *Controller) CommitOffset(topic string, shard int, currentOffset uint64) error {
	offsetKey := pub.OffsetKey(topic, shard)

	_, err := c.transactions.Transaction(func(r couchbase.TransactionRunner) error {
		retry := true
		for retry {
			retry = false

			offsetRes, err := r.Get(c.offsets, offsetKey)
			switch {
			case err == nil:
			case errors.Is(err, gocb.ErrDocumentNotFound):
				offset := &pub.Offset{ID: offsetKey, N: currentOffset}
				_, err := r.Insert(c.offsets, offsetKey, *offset)
				switch {
				case err == nil:
					return nil
				case errors.Is(err, gocb.ErrDocumentExists):
					// allow retry if the document already exists
					retry = true
					continue
				default:
					return fmt.Errorf("failed to insert new offset: %w", err)
				}
			default:
				return fmt.Errorf("failed to get offset for topic %s shard %d: %w", topic, shard, err)
			}

			var existing pub.Offset
			if err := offsetRes.Content(&existing); err != nil {
				return fmt.Errorf("failed to decode offset: %w", err)
			}

			if currentOffset <= existing.N {
				return nil
			}

			existing.N = currentOffset
			if _, err := r.Replace(offsetRes, existing); err != nil {
				return fmt.Errorf("failed to replace offset: %w", err)
			}
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("failed to commit transaction for committing offset for topic %s shard %d: %w", topic, shard, err)
	}

	return nil
}

// InsertMessage implements pub.Controller.InsertMessage by persisting to the messages collection.
// Returns ErrDocumentExists if a message with the same ID already exists (for idempotency).
func (c *Controller) InsertMessage(ctx context.Context, msg pub.Message) error {
	if err := c.messages.Insert(
		ctx,
		msg.ID,
		msg,
		&gocb.InsertOptions{
			Expiry: messageRetention,
		},
	); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return nil
}

// LoadMessages implements pub.Controller.LoadMessages using N1QL queries.
func (c *Controller) LoadMessages(ctx context.Context, topic string, shard int, fromOffset uint64, limit int) ([]pub.Message, error) {
	query := fmt.Sprintf(`
		SELECT RAW m
		FROM %s.%s.%s m
		WHERE `+"`offset`"+` >= $from
		AND m.topic = $topic
		AND m.shard = $shard
		ORDER BY `+"`offset`"+` ASC
		LIMIT $limit`,
		c.bucket,
		c.scope,
		c.messages.Collection().Name(),
	)

	messages, err := c.messages.Query(ctx, query, &gocb.QueryOptions{
		NamedParameters: map[string]any{
			"from":  fromOffset,
			"topic": topic,
			"shard": shard,
			"limit": limit,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	return messages, nil
}

// Pull implements pub.Controller.Pull. Each delivery takes a lease document
// expiring with the requested deadline; a message already leased or
// acknowledged by the subscription is skipped.
func (c *Controller) Pull(ctx context.Context, req pub.PullRequest) ([]pub.ReceivedMessage, error) {
	if req.Max <= 0 {
		return nil, nil
	}
	logger := c.logger.With(zap.String("topic", req.Topic), zap.String("sub", req.Sub), zap.Int("shard", req.Shard))

	cursor, err := c.GetCursor(ctx, req.Topic, req.Sub, req.Shard)
	if err != nil {
		return nil, classify(err)
	}

	msgs, err := c.LoadMessages(ctx, req.Topic, req.Shard, cursor, req.Max*scanFactor)
	if err != nil {
		return nil, classify(err)
	}

	received := make([]pub.ReceivedMessage, 0, min(req.Max, len(msgs)))
	for _, msg := range msgs {
		if len(received) == req.Max {
			break
		}

		acked, err := c.receipts.Exists(ctx, pub.ReceiptKey(req.Sub, msg.ID))
		if err != nil {
			return received, classify(err)
		}
		if acked {
			continue
		}

		rm, err := c.lease(ctx, req, msg)
		switch {
		case err == nil:
			received = append(received, rm)
		case errors.Is(err, gocb.ErrDocumentExists):
		default:
			return received, classify(err)
		}
	}

	logger.Debug("pulled messages", zap.Uint64("cursor", cursor), zap.Int("scanned", len(msgs)), zap.Int("leased", len(received)))

	return received, nil
}

func (c *Controller) lease(ctx context.Context, req pub.PullRequest, msg pub.Message) (pub.ReceivedMessage, error) {
	key := pub.LeaseKey(req.Sub, msg.ID)
	lease := pub.Lease{
		ID:        key,
		Sub:       req.Sub,
		MessageID: msg.ID,
		Topic:     msg.Topic,
		Shard:     msg.Shard,
		Offset:    msg.Offset,
		Expires:   time.Now().UTC().Add(req.AckDeadline),
	}

	if err := c.leases.Insert(ctx, key, lease, &gocb.InsertOptions{Expiry: req.AckDeadline}); err != nil {
		return pub.ReceivedMessage{}, fmt.Errorf("failed to insert lease: %w", err)
	}

	n, err := c.deliveries.Increment(ctx, pub.DeliveryKey(req.Sub, msg.ID), 1)
	if err != nil {
		return pub.ReceivedMessage{}, fmt.Errorf("failed to count delivery: %w", err)
	}

	// the attempt is only known once the lease is ours
	lease.Attempt = int(n)
	if err := c.leases.Replace(ctx, key, &lease, &gocb.ReplaceOptions{Expiry: req.AckDeadline}); err != nil {
		return pub.ReceivedMessage{}, fmt.Errorf("failed to record delivery attempt: %w", err)
	}

	return pub.ReceivedMessage{
		AckID:           pub.AckID(msg.ID, lease.Attempt),
		Message:         msg,
		DeliveryAttempt: lease.Attempt,
	}, nil
}

// Acknowledge implements pub.Acknowledger. A receipt is written for every
// acknowledged message, its lease is dropped and the cursor of each touched
// topic shard advances past contiguous receipts.
func (c *Controller) Acknowledge(ctx context.Context, sub string, ackIDs []string) (map[string]pub.AckStatus, error) {
	statuses := make(map[string]pub.AckStatus, len(ackIDs))

	type shard struct {
		topic string
		shard int
	}
	touched := make(map[shard]struct{})

	for _, ackID := range ackIDs {
		lease, status := c.currentLease(ctx, sub, ackID)
		if status != pub.AckStatusSuccess {
			statuses[ackID] = status
			continue
		}

		receipt := pub.Receipt{
			ID:        pub.ReceiptKey(sub, lease.MessageID),
			Sub:       sub,
			MessageID: lease.MessageID,
			AckedAt:   time.Now().UTC(),
		}
		if err := c.receipts.Insert(ctx, receipt.ID, receipt, &gocb.InsertOptions{Expiry: messageRetention}); err != nil && !errors.Is(err, gocb.ErrDocumentExists) {
			statuses[ackID] = statusOf(err)
			continue
		}

		if err := c.leases.Remove(ctx, lease.ID, &gocb.RemoveOptions{Cas: gocb.Cas(lease.GetCas())}); err != nil {
			// the receipt stands, the lease will expire on its own
			c.logger.Warn("failed to remove lease of acknowledged message", zap.String("ackId", ackID), zap.Error(err))
		}

		statuses[ackID] = pub.AckStatusSuccess
		touched[shard{topic: lease.Topic, shard: lease.Shard}] = struct{}{}
	}

	for s := range touched {
		if err := c.advanceCursor(s.topic, sub, s.shard); err != nil {
			// a later acknowledgment advances it again
			c.logger.Warn("failed to advance cursor", zap.String("topic", s.topic), zap.Int("shard", s.shard), zap.Error(err))
		}
	}

	return statuses, nil
}

// ModifyAckDeadline implements pub.Acknowledger. A zero deadline drops the
// lease, making the message available to the next pull.
func (c *Controller) ModifyAckDeadline(ctx context.Context, sub string, ackIDs []string, deadline time.Duration) (map[string]pub.AckStatus, error) {
	statuses := make(map[string]pub.AckStatus, len(ackIDs))

	for _, ackID := range ackIDs {
		lease, status := c.currentLease(ctx, sub, ackID)
		if status != pub.AckStatusSuccess {
			statuses[ackID] = status
			continue
		}

		var err error
		if deadline <= 0 {
			err = c.leases.Remove(ctx, lease.ID, &gocb.RemoveOptions{Cas: gocb.Cas(lease.GetCas())})
		} else {
			lease.Expires = time.Now().UTC().Add(deadline)
			err = c.leases.Replace(ctx, lease.ID, lease, &gocb.ReplaceOptions{Expiry: deadline})
		}
		statuses[ackID] = statusOf(err)
	}

	return statuses, nil
}

// currentLease loads the lease an ack id refers to. Ack ids of expired or
// superseded deliveries are invalid.
func (c *Controller) currentLease(ctx context.Context, sub, ackID string) (*pub.Lease, pub.AckStatus) {
	msgID, attempt, err := pub.ParseAckID(ackID)
	if err != nil {
		return nil, pub.AckStatusInvalid
	}

	lease, err := c.leases.Get(ctx, pub.LeaseKey(sub, msgID), nil)
	if err != nil {
		return nil, statusOf(err)
	}
	if lease.Attempt != attempt {
		return nil, pub.AckStatusInvalid
	}

	return lease, pub.AckStatusSuccess
}

// statusOf maps a storage error to the acknowledgment status reported for it.
func statusOf(err error) pub.AckStatus {
	switch {
	case err == nil:
		return pub.AckStatusSuccess
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return pub.AckStatusInvalid
	case errors.Is(err, gocb.ErrAuthenticationFailure):
		return pub.AckStatusPermissionDenied
	case errors.Is(err, gocb.ErrCasMismatch):
		return pub.AckStatusFailedPrecondition
	case transient(err):
		return pub.AckStatusTransient
	default:
		return pub.AckStatusOther
	}
}

func transient(err error) bool {
	return errors.Is(err, gocb.ErrTimeout) ||
		errors.Is(err, gocb.ErrUnambiguousTimeout) ||
		errors.Is(err, gocb.ErrAmbiguousTimeout) ||
		errors.Is(err, gocb.ErrTemporaryFailure)
}

// classify marks storage errors worth retrying.
func classify(err error) error {
	if transient(err) {
		return pub.Transient(err)
	}
	return err
}
