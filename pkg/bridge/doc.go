// Copyright 2024-2026 Aiku AI

// Package bridge is the event engine of the Matrix-Feishu bridge: it owns
// the webhook receiver, the Matrix appservice event handler, the per-chat
// ordering queues and the dead letter machinery that connects them to the
// mapping store.
//
// # Core Types
//
// [Bridge] routes events between the two platforms. It depends on the
// narrow [FeishuAPI] and [MatrixAPI] interfaces rather than concrete
// clients so the whole engine can run against fakes in tests;
// [AppServiceAPI] is the production MatrixAPI over appservice intents.
//
// [ChatQueues] serializes work per Feishu chat: events for one chat apply
// in arrival order with at most one in flight, while distinct chats
// proceed in parallel on a bounded worker pool. A full lane rejects with
// [ErrBackpressure] and the event is parked as a dead letter instead of
// blocking the webhook acknowledgement.
//
// # Delivery Model
//
// Every bridged message advances pending -> committed in the mapping
// store, with the external send between the two steps. Inbound events are
// deduplicated by event ID, outbound sends carry a uuid derived from the
// Matrix event ID so platform-side retries collapse. Work that fails is
// parked as a dead letter with a replayable payload; replaying work whose
// remote side already committed only repairs the local mapping.
//
// # Sub-packages
//
//   - matrixfmt converts Matrix message content to Feishu text and rich
//     post payloads.
//   - feishufmt converts Feishu message payloads to Matrix events.
package bridge
