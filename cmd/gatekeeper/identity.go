package main

import (
	"context"
	"strings"

	"gatekeeper/pkg/engine"
	"gatekeeper/pkg/models"
)

// principalIdentity binds submissions to the stakeholder they claim to act
// for. A reviewer may act on a target when their subject matches the
// assigned approver id, or when they carry the matching role. Service
// principals (the check runners and trusted automation) may act on any
// target.
type principalIdentity struct{}

func (principalIdentity) Authorize(ctx context.Context, actor engine.Actor, g *models.Gate, target string) error {
	if actor.HasRole("service") || actor.HasRole("anonymous") {
		return nil
	}
	if target == "" {
		// Gate-level confirmation: any assigned approver or an approver
		// role may confirm.
		for _, a := range g.Approvers {
			if sameSubject(actor.ID, a.ID) || actor.HasRole(a.Role) || actor.HasRole(a.ID) {
				return nil
			}
		}
		return engine.ErrNotAuthorized
	}
	if c := g.CriterionByID(target); c != nil {
		if sameSubject(actor.ID, c.Approver) || actor.HasRole(c.Approver) || actor.HasRole("pmo") {
			return nil
		}
		return engine.ErrNotAuthorized
	}
	if a := g.ApproverByID(target); a != nil {
		if sameSubject(actor.ID, a.ID) || actor.HasRole(a.Role) || actor.HasRole(a.ID) {
			return nil
		}
		return engine.ErrNotAuthorized
	}
	// Unknown target: let the engine report it as not found.
	return nil
}

func sameSubject(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
