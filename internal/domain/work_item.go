package domain

import "time"

type Channel string

const (
	ChannelStructured      Channel = "structured"
	ChannelDocumentIntake  Channel = "document_intake"
	ChannelAlternateIntake Channel = "alternate_intake"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelStructured, ChannelDocumentIntake, ChannelAlternateIntake:
		return true
	default:
		return false
	}
}

// WorkItem is the transport format dispatched to queue backends.
type WorkItem struct {
	ID             string          `json:"id"`
	ClaimID        string          `json:"claim_id"`
	Channel        Channel         `json:"channel"`
	Attempt        int             `json:"attempt"`
	Identity       *IdentityFields `json:"identity,omitempty"`
	SealedIdentity []byte          `json:"sealed_identity,omitempty"`
	FallbackOf     string          `json:"fallback_of,omitempty"`
	ResubmissionOf string          `json:"resubmission_of,omitempty"`
	RequestedAt    time.Time       `json:"requested_at"`
}
