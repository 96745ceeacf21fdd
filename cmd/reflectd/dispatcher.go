package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reflectcore/reflectd/internal/eventlog"
	"github.com/reflectcore/reflectd/internal/gossip"
	"github.com/reflectcore/reflectd/internal/governance"
)

// gossipDispatcher implements gossip.Dispatcher, routing an accepted,
// verified envelope to the component that owns its message type (spec
// §4.15 governance data flow: "peer instances fetch, verify via C1, apply
// via C10/C11 or policy update"). Grounded in the same dispatch-by-type
// shape as controlsurface.Handlers.Dispatch, generalized from a command
// string to a gossip.MessageType.
type gossipDispatcher struct {
	instance   string
	events     *eventlog.Store
	governance *governance.Council
	logger     *zap.Logger
}

func (d *gossipDispatcher) Dispatch(ctx context.Context, env gossip.Envelope) error {
	switch env.Type {
	case gossip.MessageAmendmentProposal:
		return d.dispatchProposal(env)
	case gossip.MessageVoteCast:
		return d.dispatchVote(env)
	case gossip.MessageForkAnnounce:
		return d.dispatchForkAnnounce(env)
	case gossip.MessageCommonsPublish, gossip.MessageCommonsQuery,
		gossip.MessageVerificationRequest, gossip.MessageVerificationResponse,
		gossip.MessagePing:
		// No local effect beyond the server's own dedup/trust bookkeeping;
		// these message types exist for peer-visible query/ack traffic that
		// this instance does not itself act on (spec §4.15's commons-query
		// surface is consumed by external collaborators, out of scope here).
		return nil
	default:
		d.logger.Warn("gossip: unrecognized message type, ignoring", zap.String("type", string(env.Type)))
		return nil
	}
}

func (d *gossipDispatcher) dispatchProposal(env gossip.Envelope) error {
	if d.governance == nil {
		return fmt.Errorf("gossip: governance unavailable")
	}
	typ, _ := env.Payload["type"].(string)
	title, _ := env.Payload["title"].(string)
	desc, _ := env.Payload["description"].(string)
	changes, _ := env.Payload["proposed_changes"].(map[string]any)
	proposedBy, _ := env.Payload["proposed_by"].(string)
	if typ == "" {
		return fmt.Errorf("gossip: amendment_proposal payload missing type")
	}
	p, err := d.governance.CreateProposal(typ, title, desc, changes, proposedBy)
	if err != nil {
		return err
	}
	d.logger.Info("gossip: remote proposal admitted", zap.String("proposal_id", p.ProposalID), zap.String("sender", env.SenderInstanceID))
	if d.events != nil {
		_, err := d.events.Append(eventlog.Event{
			InstanceID: d.instance,
			EventType:  eventlog.EventAmendmentProposed,
			Payload:    map[string]any{"proposal_id": p.ProposalID, "sender": env.SenderInstanceID},
		}, eventSigner)
		return err
	}
	return nil
}

func (d *gossipDispatcher) dispatchVote(env gossip.Envelope) error {
	if d.governance == nil {
		return fmt.Errorf("gossip: governance unavailable")
	}
	proposalID, _ := env.Payload["proposal_id"].(string)
	guardianID, _ := env.Payload["guardian_id"].(string)
	approve, _ := env.Payload["approve"].(bool)
	sig, _ := env.Payload["signature"].(string)
	tsRaw, _ := env.Payload["timestamp"].(string)
	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		return fmt.Errorf("gossip: vote_cast payload: bad timestamp: %w", err)
	}
	if err := d.governance.Vote(proposalID, guardianID, approve, ts, sig); err != nil {
		return err
	}
	if d.events != nil {
		_, err := d.events.Append(eventlog.Event{
			InstanceID: d.instance,
			EventType:  eventlog.EventAmendmentVoted,
			Payload:    map[string]any{"proposal_id": proposalID, "guardian_id": guardianID, "approve": approve},
		}, eventSigner)
		return err
	}
	return nil
}

func (d *gossipDispatcher) dispatchForkAnnounce(env gossip.Envelope) error {
	if d.events == nil {
		return nil
	}
	_, err := d.events.Append(eventlog.Event{
		InstanceID: d.instance,
		EventType:  eventlog.EventForkAnnounced,
		Payload:    map[string]any{"sender": env.SenderInstanceID, "payload": env.Payload},
	}, eventSigner)
	return err
}
