package relay

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stagewire/stagewire/internal/metrics"
	"github.com/stagewire/stagewire/internal/wire"
)

// DispatchResult describes where an injected command ended up.
type DispatchResult struct {
	ID     string `json:"id"`
	Sent   bool   `json:"sent"`
	Queued bool   `json:"queued,omitempty"`
}

// Dispatcher is the single injection pathway for commands, shared by the
// admin HTTP API, controller sockets, the Telegram adapter, and the
// pre-service scheduler. It enforces the per-venue rate limit, routes to
// the live session or the offline queue, and registers correlation waiters.
type Dispatcher struct {
	log        zerolog.Logger
	hub        *Hub
	queues     *Queues
	limiters   *limiters
	correlator *Correlator
}

// NewDispatcher wires the dispatcher and attaches it to the hub so
// controller sockets can inject commands.
func NewDispatcher(log zerolog.Logger, hub *Hub, queues *Queues, correlator *Correlator) *Dispatcher {
	d := &Dispatcher{
		log:        log.With().Str("component", "dispatch").Logger(),
		hub:        hub,
		queues:     queues,
		limiters:   newLimiters(),
		correlator: correlator,
	}
	hub.SetCommandSink(d)
	return d
}

// Dispatch injects one command toward a venue. Params may be nil.
//
// Outcomes:
//   - live session: sent over the socket, {sent:true}.
//   - disconnected less than 30 s: enqueued, {sent:false, queued:true}.
//   - otherwise: service_unavailable.
//   - empty rate bucket: rate_limited, checked before anything else.
func (d *Dispatcher) Dispatch(ctx context.Context, venueID, command string, params any) (DispatchResult, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return DispatchResult{}, wire.WrapErr(wire.KindInvalidParams, "params not serialisable", err)
		}
		raw = data
	}
	return d.DispatchRaw(ctx, venueID, command, raw)
}

// DispatchRaw is Dispatch with pre-marshaled params.
func (d *Dispatcher) DispatchRaw(ctx context.Context, venueID, command string, params json.RawMessage) (DispatchResult, error) {
	if venueID == "" || command == "" {
		return DispatchResult{}, wire.Errorf(wire.KindInvalidParams, "venueId and command are required")
	}
	if _, err := d.hub.db.GetVenue(ctx, venueID); err != nil {
		return DispatchResult{}, wire.WrapErr(wire.KindNotFound, "unknown venue", err)
	}

	if !d.limiters.allow(venueID) {
		metrics.RateLimitRejectionsTotal.Inc()
		metrics.CommandsDispatchedTotal.WithLabelValues("rejected").Inc()
		return DispatchResult{}, wire.Errorf(wire.KindRateLimited, "too many commands for venue")
	}

	id := uuid.NewString()
	payload, err := json.Marshal(wire.CommandMsg{
		Type:    wire.TypeCommand,
		ID:      id,
		Command: command,
		Params:  params,
	})
	if err != nil {
		return DispatchResult{}, wire.WrapErr(wire.KindInternal, "marshal command", err)
	}

	if d.hub.sendToVenue(venueID, payload) {
		metrics.CommandsDispatchedTotal.WithLabelValues("sent").Inc()
		d.log.Debug().Str("venue", venueID).Str("command", command).Str("id", id).Msg("command sent")
		return DispatchResult{ID: id, Sent: true}, nil
	}

	if age, ok := d.hub.disconnectAge(venueID); ok && age < offlineTTL {
		depth := d.queues.Enqueue(venueID, QueuedCommand{ID: id, Payload: payload})
		metrics.CommandsDispatchedTotal.WithLabelValues("queued").Inc()
		d.log.Info().Str("venue", venueID).Str("command", command).Int("depth", depth).Msg("command queued for reconnect")
		return DispatchResult{ID: id, Sent: false, Queued: true}, nil
	}

	metrics.CommandsDispatchedTotal.WithLabelValues("rejected").Inc()
	return DispatchResult{}, wire.Errorf(wire.KindServiceUnavailable, "venue offline")
}

// DispatchAndWait injects a command and blocks for the correlated
// command_result. The wait is bounded by the 10 s correlation deadline.
func (d *Dispatcher) DispatchAndWait(ctx context.Context, venueID, command string, params any) (CommandOutcome, error) {
	res, err := d.Dispatch(ctx, venueID, command, params)
	if err != nil {
		return CommandOutcome{}, err
	}
	if !res.Sent {
		return CommandOutcome{}, wire.Errorf(wire.KindServiceUnavailable, "venue offline, command queued")
	}
	return d.correlator.Wait(ctx, venueID, res.ID)
}

// Broadcast sends a command to every connected venue with a fresh id each,
// without waiting for results. Returns sent and total venue counts.
func (d *Dispatcher) Broadcast(ctx context.Context, command string, params any) (sent, total int, err error) {
	var raw json.RawMessage
	if params != nil {
		data, merr := json.Marshal(params)
		if merr != nil {
			return 0, 0, wire.WrapErr(wire.KindInvalidParams, "params not serialisable", merr)
		}
		raw = data
	}

	venues, err := d.hub.db.ListVenues(ctx)
	if err != nil {
		return 0, 0, wire.WrapErr(wire.KindInternal, "list venues", err)
	}
	total = len(venues)

	for _, id := range d.hub.ConnectedVenueIDs() {
		payload, merr := json.Marshal(wire.CommandMsg{
			Type:    wire.TypeCommand,
			ID:      uuid.NewString(),
			Command: command,
			Params:  raw,
		})
		if merr != nil {
			continue
		}
		if d.hub.sendToVenue(id, payload) {
			sent++
		}
	}
	metrics.CommandsDispatchedTotal.WithLabelValues("broadcast").Add(float64(sent))
	d.log.Info().Str("command", command).Int("sent", sent).Int("total", total).Msg("broadcast dispatched")
	return sent, total, nil
}

// ForgetVenue clears per-venue dispatch state after a venue is deleted.
func (d *Dispatcher) ForgetVenue(venueID string) {
	d.queues.Forget(venueID)
	d.limiters.forget(venueID)
}
