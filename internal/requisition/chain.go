package requisition

import (
	"fmt"

	"github.com/storeroom-ims/storeroom/internal/shared"
	"github.com/storeroom-ims/storeroom/internal/stock"
)

// Step is one link of an approval chain: the role that must act and the
// status entered when it does. The final step of every chain enters
// StatusApproved, so full approval is structurally unreachable without every
// earlier step having acted.
type Step struct {
	Role Role
	Next Status
}

// Chain is the ordered approval configuration for one requisition kind. It is
// configuration, not per-instance state: (kind, current status) alone
// determines who acts next and what status follows.
type Chain []Step

var chains = map[stock.Kind]Chain{
	stock.KindChemical: {
		{Role: RoleAdmin, Next: StatusApprovedByAdmin},
		{Role: RoleModerator, Next: StatusApproved},
	},
	stock.KindAdminItem: {
		{Role: RoleTechnicalManagerC, Next: StatusApprovedByTechnicalManagerC},
		{Role: RoleTechnicalManagerM, Next: StatusApprovedByTechnicalManagerM},
		{Role: RoleSeniorAssistantDirector, Next: StatusApproved},
	},
}

// ChainFor returns the approval chain for a kind.
func ChainFor(kind stock.Kind) (Chain, error) {
	chain, ok := chains[kind]
	if !ok {
		return nil, fmt.Errorf("requisition: no approval chain for kind %q: %w", kind, shared.ErrValidation)
	}
	return chain, nil
}

// CurrentStep resolves the step that must act given the current status, and
// its index. Terminal statuses have no current step.
func (c Chain) CurrentStep(status Status) (Step, int, error) {
	if status.Terminal() {
		return Step{}, 0, fmt.Errorf("requisition: status %s is terminal: %w", status, shared.ErrInvalidState)
	}
	if status == StatusPending {
		return c[0], 0, nil
	}
	for i, step := range c {
		if step.Next == status {
			if i+1 >= len(c) {
				// The last step's Next is StatusApproved, which is terminal,
				// so this branch only fires on a malformed chain.
				return Step{}, 0, fmt.Errorf("requisition: status %s has no successor: %w", status, shared.ErrInvalidState)
			}
			return c[i+1], i + 1, nil
		}
	}
	return Step{}, 0, fmt.Errorf("requisition: status %s not on chain: %w", status, shared.ErrInvalidState)
}
