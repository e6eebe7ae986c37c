package mad

// ErrorSummary folds the error counters into the PortErrorCounterSummary
// reported in DataPortCounters replies. LocalLinkIntegrityErrors and
// LinkErrorRecovery are reduced by the resolution shifts carried in the
// request. Every counter, RcvSwitchRelayErrors included, is added exactly
// once.
func ErrorSummary(c ErrorCounters, lliShift, lerShift uint8) uint64 {
	lli := c.LocalLinkIntegrityErrors
	if lliShift != 0 {
		lli >>= lliShift + ResolutionAdderLLI
	}
	ler := uint64(c.LinkErrorRecovery)
	if lerShift != 0 {
		ler >>= lerShift + ResolutionAdderLER
	}
	return c.RcvConstraintErrors +
		c.RcvSwitchRelayErrors +
		c.XmitDiscards +
		c.XmitConstraintErrors +
		c.RcvRemotePhysicalErrors +
		lli +
		c.RcvErrors +
		c.ExcessiveBufferOverruns +
		c.FMConfigErrors +
		ler +
		uint64(c.LinkDowned) +
		uint64(c.UncorrectableErrors)
}

// LinkDownIgnore lists counters expected to reset or jump when a link goes
// down; they are not reported as unexpected clears in that case.
const LinkDownIgnore = SelectRcvErrors | SelectLinkErrorRecovery | SelectLocalLinkIntegrityErrors |
	SelectExcessiveBufferOverruns
