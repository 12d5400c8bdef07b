package router

import "fmt"

// PolicyName identifies which Policy implementation to construct.
type PolicyName string

const (
	// PolicyPowerOfTwoChoices is the cluster's default routing policy. It is
	// delegated per §1 ("power-of-two-choices (default, delegated)") — this
	// module does not implement it; NewPolicy returns an error for it so
	// callers know to wire their own delegate instead of silently getting
	// different behavior.
	PolicyPowerOfTwoChoices PolicyName = "pow2"
	PolicyStaticHash        PolicyName = "static_hash"
	PolicyCHWBL             PolicyName = "chwbl"
)

// NewPolicy constructs a Policy by name. When name is PolicyCHWBL the whole
// of chwblConfig is used; when name is PolicyStaticHash only its
// MaxUserMessagesForCache and QueueLenStalenessSecs fields are used.
func NewPolicy(name PolicyName, chwblConfig Config) (Policy, error) {
	switch name {
	case PolicyCHWBL:
		return NewCHWBLPolicy(chwblConfig), nil
	case PolicyStaticHash:
		return NewStaticHashPolicy(chwblConfig.MaxUserMessagesForCache, chwblConfig.queueLenStaleness()), nil
	case PolicyPowerOfTwoChoices:
		return nil, fmt.Errorf("router: %q is delegated to the cluster's default scheduler, not implemented here", name)
	default:
		return nil, fmt.Errorf("router: unknown policy %q", name)
	}
}
