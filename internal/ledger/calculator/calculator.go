package calculator

import (
	"github.com/voyagecrm/affiliate/internal/config"
	ledgerdomain "github.com/voyagecrm/affiliate/internal/ledger/domain"
	profiledomain "github.com/voyagecrm/affiliate/internal/profile/domain"
	saledomain "github.com/voyagecrm/affiliate/internal/sale/domain"
)

// Build computes the set of ledger entries that must exist for a confirmed
// sale. Pure: no storage access, so the split logic is testable without a
// database.
//
// Amounts are whole KRW. Each commission is rounded half away from zero
// exactly once from the unrounded product; the HQ entry is the remainder, so
// the entries always sum to the sale's net revenue. Withholding is likewise
// rounded once per entry from the payee's configured rate; HQ is never
// withheld.
func Build(sale saledomain.Sale, chain profiledomain.OwnershipChain, rates config.CommissionRates) ([]ledgerdomain.ProposedEntry, error) {
	if sale.SaleAmount < sale.CostAmount {
		return nil, saledomain.ErrAmountMismatch
	}

	net := sale.NetRevenue()
	entries := make([]ledgerdomain.ProposedEntry, 0, 4)

	agentGross := roundHalfAwayFromZero(net*rates.AgentRateBp, 10000)
	entries = append(entries, ledgerdomain.ProposedEntry{
		EntryType:      ledgerdomain.EntryTypeSalesCommission,
		PayeeProfileID: chain.Agent.ID,
		GrossAmount:    agentGross,
		WithheldAmount: roundHalfAwayFromZero(agentGross*chain.Agent.WithholdingRateBp, 10000),
	})

	commissioned := agentGross

	// Direct-to-HQ agents have no manager: branch and override lines are
	// omitted entirely, not zeroed.
	if chain.Manager != nil {
		branchGross := roundHalfAwayFromZero(net*rates.BranchRateBp, 10000)
		overrideGross := roundHalfAwayFromZero(net*rates.OverrideRateBp, 10000)
		entries = append(entries,
			ledgerdomain.ProposedEntry{
				EntryType:      ledgerdomain.EntryTypeBranchCommission,
				PayeeProfileID: chain.Manager.ID,
				GrossAmount:    branchGross,
				WithheldAmount: roundHalfAwayFromZero(branchGross*chain.Manager.WithholdingRateBp, 10000),
			},
			ledgerdomain.ProposedEntry{
				EntryType:      ledgerdomain.EntryTypeOverrideCommission,
				PayeeProfileID: chain.Manager.ID,
				GrossAmount:    overrideGross,
				WithheldAmount: roundHalfAwayFromZero(overrideGross*chain.Manager.WithholdingRateBp, 10000),
			},
		)
		commissioned += branchGross + overrideGross
	}

	entries = append(entries, ledgerdomain.ProposedEntry{
		EntryType:      ledgerdomain.EntryTypeHQNet,
		PayeeProfileID: profiledomain.HQProfileID,
		GrossAmount:    net - commissioned,
	})

	return entries, nil
}

// roundHalfAwayFromZero divides num by den rounding .5 away from zero.
func roundHalfAwayFromZero(num, den int64) int64 {
	if den <= 0 {
		return 0
	}
	if num >= 0 {
		return (num + den/2) / den
	}
	return -((-num + den/2) / den)
}
