package handler

import (
	"fmt"
	"math/rand"

	"github.com/cuongbtq/vendor-dispatch/internal/domain"
)

// VendorSelector picks the vendor a new job is routed to
type VendorSelector interface {
	Select() domain.VendorKind
}

type randomSelector struct{}

// NewRandomSelector routes each job to sync or async with equal probability
func NewRandomSelector() VendorSelector {
	return randomSelector{}
}

func (randomSelector) Select() domain.VendorKind {
	if rand.Intn(2) == 0 {
		return domain.VendorSync
	}
	return domain.VendorAsync
}

// FixedSelector routes every job to one vendor
type FixedSelector domain.VendorKind

func (s FixedSelector) Select() domain.VendorKind {
	return domain.VendorKind(s)
}

// NewVendorSelector builds a selector from a policy name: random, sync or async
func NewVendorSelector(policy string) (VendorSelector, error) {
	switch policy {
	case "", "random":
		return NewRandomSelector(), nil
	case string(domain.VendorSync), string(domain.VendorAsync):
		return FixedSelector(policy), nil
	default:
		return nil, fmt.Errorf("%w: vendor policy %q", domain.ErrUnknownVendor, policy)
	}
}
