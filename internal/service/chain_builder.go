package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/pesio-ai/be-travel-approvals/internal/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
)

const (
	// maxHierarchyWalk bounds how many managers are visited above the requester.
	maxHierarchyWalk = 5
	// criticalInclusionDepth is the approving-manager depth from which critical
	// requests keep under-limit managers as last-resort approvers.
	criticalInclusionDepth = 3
	// AdminReviewThreshold is the amount (cents) above which the company's top
	// administrator always signs off last.
	AdminReviewThreshold int64 = 1_000_000
)

// ChainLink is one approver slot produced by ChainBuilder.
type ChainLink struct {
	ApproverID  string
	Level       int
	Urgency     repository.Urgency
	LimitWaived bool
}

// ChainBuilder walks the management hierarchy to produce approval chains.
type ChainBuilder struct {
	dir Directory
	log *logger.Logger
}

// NewChainBuilder creates a new ChainBuilder.
func NewChainBuilder(dir Directory, log *logger.Logger) *ChainBuilder {
	return &ChainBuilder{dir: dir, log: log}
}

// BuildChain returns the ordered chain for a purchase of amount cents, or a
// NO_APPROVER_FOUND error when nobody can approve it.
func (b *ChainBuilder) BuildChain(
	ctx context.Context,
	requester *repository.DirectoryUser,
	amount int64,
	urgency repository.Urgency,
) ([]ChainLink, error) {
	if requester == nil {
		return nil, errors.InvalidInput("requester", "requester is required")
	}

	chain, err := b.walkHierarchy(ctx, requester, amount, urgency)
	if err != nil {
		return nil, err
	}

	if amount > AdminReviewThreshold {
		admin, err := b.dir.TopAdministrator(ctx, requester.CompanyID)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeOf(err), "failed to resolve top administrator")
		}
		if admin != nil && admin.ID != requester.ID && !chainHas(chain, admin.ID) {
			level := len(chain) + 1
			chain = append(chain, ChainLink{
				ApproverID:  admin.ID,
				Level:       level,
				Urgency:     stepUrgency(urgency, level),
				LimitWaived: true,
			})
		}
	}

	if len(chain) == 0 {
		fallback, err := b.fallbackApprover(ctx, requester, amount)
		if err != nil {
			return nil, err
		}
		if fallback != nil {
			chain = append(chain, ChainLink{
				ApproverID: fallback.ID,
				Level:      1,
				Urgency:    stepUrgency(urgency, 1),
			})
		}
	}

	if len(chain) == 0 {
		return nil, errors.New(errors.ErrCodeNoApproverFound,
			fmt.Sprintf("no approver can cover %d for requester %s", amount, requester.ID))
	}
	return chain, nil
}

// walkHierarchy climbs manager links. Inactive or non-approving managers are
// passed through without counting toward depth.
func (b *ChainBuilder) walkHierarchy(
	ctx context.Context,
	requester *repository.DirectoryUser,
	amount int64,
	urgency repository.Urgency,
) ([]ChainLink, error) {
	var chain []ChainLink
	visited := map[string]bool{requester.ID: true}
	current := requester.ID
	depth := 0

	for i := 0; i < maxHierarchyWalk; i++ {
		mgr, err := b.dir.ManagerOf(ctx, current)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeOf(err), "failed to resolve manager")
		}
		if mgr == nil {
			break
		}
		if visited[mgr.ID] {
			b.log.Warn().
				Str("requester_id", requester.ID).
				Str("manager_id", mgr.ID).
				Msg("Management cycle detected, stopping chain walk")
			break
		}
		visited[mgr.ID] = true
		current = mgr.ID

		if !mgr.CanApprove || !mgr.IsActive {
			continue
		}
		depth++

		if mgr.ApprovalLimit < amount {
			if urgency == repository.UrgencyCritical && depth >= criticalInclusionDepth {
				chain = append(chain, ChainLink{
					ApproverID:  mgr.ID,
					Level:       len(chain) + 1,
					Urgency:     repository.UrgencyCritical,
					LimitWaived: true,
				})
			}
			continue
		}

		level := len(chain) + 1
		chain = append(chain, ChainLink{
			ApproverID: mgr.ID,
			Level:      level,
			Urgency:    stepUrgency(urgency, level),
		})
		if mgr.ApprovalLimit >= 2*amount || repository.IsAdministrator(mgr.Role) {
			break
		}
	}
	return chain, nil
}

// fallbackApprover picks the most senior active approver covering amount.
func (b *ChainBuilder) fallbackApprover(
	ctx context.Context,
	requester *repository.DirectoryUser,
	amount int64,
) (*repository.DirectoryUser, error) {
	approvers, err := b.dir.ListApprovers(ctx, requester.CompanyID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeOf(err), "failed to list approvers")
	}

	var candidates []*repository.DirectoryUser
	for _, u := range approvers {
		if u.ID == requester.ID || !u.IsActive || !u.CanApprove || u.ApprovalLimit < amount {
			continue
		}
		candidates = append(candidates, u)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Seniority > candidates[j].Seniority
	})
	return candidates[0], nil
}

// stepUrgency raises urgency one tier from level 3 upward.
func stepUrgency(u repository.Urgency, level int) repository.Urgency {
	if level < 3 {
		return u
	}
	switch u {
	case repository.UrgencyLow:
		return repository.UrgencyMedium
	case repository.UrgencyMedium:
		return repository.UrgencyHigh
	default:
		return repository.UrgencyCritical
	}
}

func chainHas(chain []ChainLink, userID string) bool {
	for _, l := range chain {
		if l.ApproverID == userID {
			return true
		}
	}
	return false
}
