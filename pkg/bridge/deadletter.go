// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-feishu/pkg/feishu"
	"github.com/aiku/mautrix-feishu/pkg/store"
)

// Error classes recorded on dead letters. Transient failures are worth
// replaying as-is; permanent ones need operator attention first.
const (
	errClassTransient    = "transient"
	errClassPermanent    = "permanent"
	errClassBackpressure = "backpressure"
	errClassShutdown     = "shutdown"
	errClassDivergence   = "divergence"
)

// Payload kinds stored inside a dead letter envelope.
const (
	dlKindFeishuEvent = "feishu_event"
	dlKindMatrixEvent = "matrix_event"
	dlKindDivergence  = "divergence"
)

// deadLetterPayload is the replayable envelope persisted with a parked work
// item. Exactly one of Event and Matrix is set for event kinds; divergence
// records carry the identifiers on both sides instead.
type deadLetterPayload struct {
	Kind            string          `json:"kind"`
	EventType       string          `json:"event_type,omitempty"`
	Event           json.RawMessage `json:"event,omitempty"`
	Matrix          *event.Event    `json:"matrix,omitempty"`
	UUID            string          `json:"uuid,omitempty"`
	MatrixEventID   id.EventID      `json:"matrix_event_id,omitempty"`
	FeishuMessageID string          `json:"feishu_message_id,omitempty"`
}

// classifyFeishuErr buckets an outbound Feishu API failure. Unknown errors
// count as transient so a replay gets the chance to succeed; only explicit
// platform rejections and oversized payloads are permanent.
func classifyFeishuErr(err error) string {
	if errors.Is(err, feishu.ErrMediaTooLarge) {
		return errClassPermanent
	}
	if apiErr, ok := feishu.AsError(err); ok {
		if apiErr.Temporary() {
			return errClassTransient
		}
		return errClassPermanent
	}
	return errClassTransient
}

// classifyMatrixErr buckets a homeserver API failure the same way.
func classifyMatrixErr(err error) string {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		status := httpErr.Response.StatusCode
		if status == 429 || status >= 500 {
			return errClassTransient
		}
		return errClassPermanent
	}
	return errClassTransient
}

// classifyBridgeErr classifies a task failure regardless of which side it
// came from.
func classifyBridgeErr(err error) string {
	if errors.Is(err, errChatDisbanded) {
		return errClassPermanent
	}
	if _, ok := feishu.AsError(err); ok {
		return classifyFeishuErr(err)
	}
	if errors.Is(err, feishu.ErrMediaTooLarge) {
		return errClassPermanent
	}
	return classifyMatrixErr(err)
}

// parkFeishuEvent dead-letters an inbound webhook event that could not be
// bridged. The raw decrypted event body is kept so replay can re-run the
// full dispatch.
func (br *Bridge) parkFeishuEvent(ctx context.Context, chatID, eventID, eventType string, raw json.RawMessage, class, lastError string) {
	if eventID == "" {
		// Events with no header id still get a unique row.
		eventID = uuid.NewString()
	}
	payload, _ := json.Marshal(&deadLetterPayload{
		Kind:      dlKindFeishuEvent,
		EventType: eventType,
		Event:     raw,
	})
	br.enqueueDeadLetter(ctx, &store.DeadLetter{
		Direction:  store.DirectionFeishuToMatrix,
		ChatID:     chatID,
		DedupeKey:  "feishu|" + eventID,
		Payload:    payload,
		ErrorClass: class,
		LastError:  lastError,
	})
}

// parkMatrixEvent dead-letters an outbound Matrix event. The idempotency
// uuid derived from the event ID is recorded so a replay reuses it and the
// remote side deduplicates.
func (br *Bridge) parkMatrixEvent(ctx context.Context, evt *event.Event, chatID, uuid, class, lastError string) {
	payload, _ := json.Marshal(&deadLetterPayload{
		Kind:   dlKindMatrixEvent,
		Matrix: evt,
		UUID:   uuid,
	})
	br.enqueueDeadLetter(ctx, &store.DeadLetter{
		Direction:  store.DirectionMatrixToFeishu,
		ChatID:     chatID,
		DedupeKey:  "matrix|" + evt.ID.String(),
		Payload:    payload,
		ErrorClass: class,
		LastError:  lastError,
	})
}

// parkDivergence records a message that was accepted remotely but whose
// mapping commit failed locally. Both identifiers are kept so replay can
// repair the mapping without resending anything.
func (br *Bridge) parkDivergence(ctx context.Context, direction store.Direction, chatID string, matrixEventID id.EventID, feishuMessageID, lastError string) {
	payload, _ := json.Marshal(&deadLetterPayload{
		Kind:            dlKindDivergence,
		MatrixEventID:   matrixEventID,
		FeishuMessageID: feishuMessageID,
	})
	br.enqueueDeadLetter(ctx, &store.DeadLetter{
		Direction:  direction,
		ChatID:     chatID,
		DedupeKey:  "divergence|" + matrixEventID.String() + "|" + feishuMessageID,
		Payload:    payload,
		ErrorClass: errClassDivergence,
		LastError:  lastError,
	})
	br.metrics.Trace(string(direction), "divergence")
}

func (br *Bridge) enqueueDeadLetter(ctx context.Context, dl *store.DeadLetter) {
	if err := br.db.DeadLetter.Enqueue(ctx, dl); err != nil {
		br.checkStoreErr(err)
		br.log.Error().Err(err).
			Str("dedupe_key", dl.DedupeKey).
			Str("error_class", dl.ErrorClass).
			Msg("Failed to park dead letter")
		return
	}
	br.log.Warn().
		Int64("dead_letter_id", dl.ID).
		Str("chat_id", dl.ChatID).
		Str("error_class", dl.ErrorClass).
		Str("last_error", dl.LastError).
		Msg("Parked dead letter")
}

// ReplayReport summarizes one replay run. The batch id ties the report to
// the per-letter log lines of the same run.
type ReplayReport struct {
	BatchID  string `json:"batch_id"`
	Replayed int    `json:"replayed"`
	Repaired int    `json:"repaired"`
	Failed   int    `json:"failed"`
}

// ReplayDeadLetters re-runs parked work matching the filter. Work whose
// remote side already committed is only repaired locally: the stored
// mapping is completed and nothing is resent. Replay failures bump the
// attempt counter and leave the row pending.
func (br *Bridge) ReplayDeadLetters(ctx context.Context, filter store.DeadLetterFilter) (*ReplayReport, error) {
	if filter.Status == "" {
		filter.Status = store.DeadLetterPending
	}
	letters, err := br.db.DeadLetter.List(ctx, filter)
	if err != nil {
		br.checkStoreErr(err)
		return nil, err
	}
	report := &ReplayReport{BatchID: uuid.NewString()}
	log := br.log.With().Str("replay_batch", report.BatchID).Logger()
	for _, dl := range letters {
		repaired, replayErr := br.replayOne(ctx, dl)
		switch {
		case replayErr != nil:
			report.Failed++
			if err := br.db.DeadLetter.RecordReplayFailure(ctx, dl.ID, classifyReplayErr(replayErr), replayErr.Error()); err != nil {
				br.checkStoreErr(err)
			}
			log.Warn().Err(replayErr).Int64("dead_letter_id", dl.ID).Msg("Dead letter replay failed")
		case repaired:
			report.Repaired++
		default:
			report.Replayed++
		}
	}
	if len(letters) > 0 {
		log.Info().
			Int("replayed", report.Replayed).
			Int("repaired", report.Repaired).
			Int("failed", report.Failed).
			Msg("Replayed dead letters")
	}
	return report, nil
}

func classifyReplayErr(err error) string {
	if class := classifyFeishuErr(err); class == errClassPermanent {
		return errClassPermanent
	}
	return classifyMatrixErr(err)
}

// replayOne processes a single dead letter. The repaired return is true
// when no remote delivery happened because the message was already
// committed on the other side.
func (br *Bridge) replayOne(ctx context.Context, dl *store.DeadLetter) (repaired bool, err error) {
	var payload deadLetterPayload
	if err := json.Unmarshal(dl.Payload, &payload); err != nil {
		return false, fmt.Errorf("undecodable payload: %w", err)
	}
	switch payload.Kind {
	case dlKindDivergence:
		if err := br.repairDivergence(ctx, dl, &payload); err != nil {
			return false, err
		}
		return true, br.markReplayed(ctx, dl.ID)
	case dlKindMatrixEvent:
		if payload.Matrix == nil {
			return false, fmt.Errorf("matrix dead letter without event")
		}
		mapping, err := br.db.Message.GetByMatrixID(ctx, payload.Matrix.ID)
		if err != nil {
			br.checkStoreErr(err)
			return false, err
		}
		if mapping != nil && mapping.Status != store.MessagePending {
			// Remote already has the message; nothing to resend.
			return true, br.markReplayed(ctx, dl.ID)
		}
		if err := br.bridgeMatrixEvent(ctx, payload.Matrix); err != nil {
			return false, err
		}
		return false, br.markReplayed(ctx, dl.ID)
	case dlKindFeishuEvent:
		if err := br.dispatchFeishuEvent(ctx, payload.EventType, payload.Event); err != nil {
			return false, err
		}
		return false, br.markReplayed(ctx, dl.ID)
	default:
		return false, fmt.Errorf("unknown payload kind %q", payload.Kind)
	}
}

// repairDivergence completes the half-committed mapping recorded at failure
// time. The mapping may be missing entirely when the original insert txn
// rolled back; then it is recreated directly in committed state.
func (br *Bridge) repairDivergence(ctx context.Context, dl *store.DeadLetter, payload *deadLetterPayload) error {
	if payload.MatrixEventID == "" || payload.FeishuMessageID == "" {
		return fmt.Errorf("divergence record missing identifiers")
	}
	mapping, err := br.db.Message.GetByMatrixID(ctx, payload.MatrixEventID)
	if err != nil {
		br.checkStoreErr(err)
		return err
	}
	if mapping == nil {
		roomID := id.RoomID("")
		if rm, roomErr := br.db.Room.GetByFeishuID(ctx, dl.ChatID); roomErr == nil && rm != nil {
			roomID = rm.MatrixRoomID
		}
		err = br.db.Message.Insert(ctx, &store.MessageMapping{
			MatrixEventID:   payload.MatrixEventID,
			FeishuMessageID: payload.FeishuMessageID,
			MatrixRoomID:    roomID,
			FeishuChatID:    dl.ChatID,
			Direction:       dl.Direction,
			Kind:            store.MessageKindText,
			Status:          store.MessageCommitted,
		})
		if err != nil {
			br.checkStoreErr(err)
			return fmt.Errorf("recreate diverged mapping: %w", err)
		}
		return nil
	}
	if mapping.Status != store.MessagePending {
		return nil
	}
	if dl.Direction == store.DirectionMatrixToFeishu {
		err = br.db.Message.CommitByMatrixID(ctx, payload.MatrixEventID, payload.FeishuMessageID)
	} else {
		err = br.db.Message.CommitByFeishuID(ctx, payload.FeishuMessageID, payload.MatrixEventID)
	}
	if err != nil {
		br.checkStoreErr(err)
		return fmt.Errorf("repair diverged mapping: %w", err)
	}
	return nil
}

func (br *Bridge) markReplayed(ctx context.Context, id int64) error {
	if err := br.db.DeadLetter.Mark(ctx, id, store.DeadLetterReplayed); err != nil {
		br.checkStoreErr(err)
		return err
	}
	return nil
}

// CleanupDeadLetters deletes rows matching the filter. With dryRun only the
// match count is reported and nothing is removed.
func (br *Bridge) CleanupDeadLetters(ctx context.Context, filter store.DeadLetterFilter, dryRun bool) (int64, error) {
	if dryRun {
		n, err := br.db.DeadLetter.Count(ctx, filter)
		if err != nil {
			br.checkStoreErr(err)
			return 0, err
		}
		return int64(n), nil
	}
	deleted, err := br.db.DeadLetter.Delete(ctx, filter)
	if err != nil {
		br.checkStoreErr(err)
		return 0, err
	}
	return deleted, nil
}
