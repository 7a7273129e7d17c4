package eventbus

const (
	BroadcastStarted         = "broadcast.started"
	BroadcastInviteSent      = "broadcast.invite_sent"
	BroadcastInviteFailed    = "broadcast.invite_failed"
	BroadcastForwardNeeded   = "broadcast.forward_needed"
	BroadcastEnded           = "broadcast.ended"
	BroadcastConfirmed       = "broadcast.confirmed"
	BroadcastAlreadyResolved = "broadcast.already_resolved"
	BroadcastRevoked         = "broadcast.revoked"

	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
	NotifierDropped = "notifier.dropped"
	NotifierDeduped = "notifier.deduped"
)
