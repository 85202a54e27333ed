package printer

import (
	"context"
	"fmt"

	"github.com/arloliu/go-printlink/internal/task"
	"github.com/arloliu/go-printlink/logger"
)

// writeTarget is the outcome of a successful negotiation.
type writeTarget struct {
	endpoint    string
	element     Element
	ackRequired bool
	maxChunk    int
}

type endpointReport struct {
	endpoint string
	target   *writeTarget
	err      error
}

// negotiator selects the write target of a packet link.
type negotiator struct {
	cfg     *ConnectionConfig
	taskMgr *task.Manager
	logger  logger.Logger
}

func newNegotiator(cfg *ConnectionConfig, taskMgr *task.Manager, l logger.Logger) *negotiator {
	return &negotiator{cfg: cfg, taskMgr: taskMgr, logger: l}
}

// negotiate enumerates the endpoints of link, explores the preferred tier
// concurrently and returns the first match reported.
//
// It returns only once every explored endpoint has reported, unless ctx is
// done first.
func (n *negotiator) negotiate(ctx context.Context, link PacketLink) (*writeTarget, error) {
	endpoints, err := link.Endpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint discovery: %w", ErrConnectFailed, err)
	}
	if len(endpoints) == 0 {
		n.logger.Warn("no endpoints advertised", "method", "negotiate")
		return nil, fmt.Errorf("%w: no endpoints advertised", ErrNoWritableTarget)
	}

	explore := n.selectTier(endpoints)

	reports := make(chan endpointReport, len(explore))
	for _, ep := range explore {
		err := n.taskMgr.Go("explore-endpoint", func(context.Context) {
			reports <- n.exploreEndpoint(ctx, ep)
		})
		if err != nil {
			reports <- endpointReport{endpoint: ep.UUID(), err: err}
		}
	}

	var selected *writeTarget
	for range explore {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-reports:
			if r.err != nil {
				n.logger.Warn("element discovery failed", "method", "negotiate", "endpoint", r.endpoint, "error", r.err)
				continue
			}
			if selected == nil && r.target != nil {
				selected = r.target
				n.logger.Info("write target selected",
					"method", "negotiate",
					"endpoint", selected.endpoint,
					"element", selected.element.UUID(),
					"ack_required", selected.ackRequired,
					"max_chunk", selected.maxChunk,
				)
			}
		}
	}

	if selected == nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if selected == nil {
		n.logger.Warn("no writable element found", "method", "negotiate", "explored", len(explore))
		return nil, fmt.Errorf("%w: %d endpoints explored", ErrNoWritableTarget, len(explore))
	}

	return selected, nil
}

// selectTier returns the endpoints to explore: vendor endpoints if any,
// otherwise every endpoint except generic access, otherwise all of them.
func (n *negotiator) selectTier(endpoints []Endpoint) []Endpoint {
	vendor := make([]Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		infra := n.cfg.IsInfrastructureEndpoint(ep.UUID())
		n.logger.Debug("endpoint", "method", "negotiate", "uuid", ep.UUID(), "infrastructure", infra)
		if !infra {
			vendor = append(vendor, ep)
		}
	}
	if len(vendor) > 0 {
		return vendor
	}

	n.logger.Debug("no vendor endpoints, using all except generic access", "method", "negotiate")
	nonGAP := make([]Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if NormalizeUUID(ep.UUID()) != genericAccessUUID {
			nonGAP = append(nonGAP, ep)
		}
	}
	if len(nonGAP) > 0 {
		return nonGAP
	}

	n.logger.Debug("only generic access available, using it as last resort", "method", "negotiate")

	return endpoints
}

// exploreEndpoint picks the first write-without-response element of ep, or
// failing that the first write element.
func (n *negotiator) exploreEndpoint(ctx context.Context, ep Endpoint) endpointReport {
	report := endpointReport{endpoint: ep.UUID()}

	elements, err := ep.Elements(ctx)
	if err != nil {
		report.err = err
		return report
	}

	var wnr, w Element
	for _, el := range elements {
		props := el.Properties()
		n.logger.Debug("element", "method", "negotiate", "endpoint", ep.UUID(), "uuid", el.UUID(), "flags", props.String())

		if wnr == nil && props.Has(PropWriteWithoutResponse) {
			wnr = el
		}
		if w == nil && props.Has(PropWrite) {
			w = el
		}
	}

	switch {
	case wnr != nil:
		report.target = n.newTarget(ep, wnr, false)
	case w != nil:
		report.target = n.newTarget(ep, w, true)
	}

	return report
}

func (n *negotiator) newTarget(ep Endpoint, el Element, ack bool) *writeTarget {
	return &writeTarget{
		endpoint:    ep.UUID(),
		element:     el,
		ackRequired: ack,
		maxChunk:    max(el.MaxWriteLen(ack), n.cfg.MinChunkBytes()),
	}
}
