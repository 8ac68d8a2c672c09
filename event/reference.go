package event

import (
	"strconv"
)

// safeEchoTags are the tag names copied from a private event onto its
// public reference; everything else stays on the satellite.
var safeEchoTags = map[string]bool{
	"d":       true,
	"t":       true,
	"subject": true,
}

// NewReference synthesizes the public pointer event stored locally when
// the original has been routed to a satellite. It carries the original
// id and author, the original kind as a string, and the satellite's
// pubkey and URL, plus any safe-echo tags from the original. The result
// is signed by the relay identity and is public by construction.
func NewReference(original *Event, nodePubkey, nodeURL string, identity *Identity, now int64) (*Event, error) {
	ref := &Event{
		Kind:      KindReference,
		CreatedAt: now,
		Content:   "",
		Tags: []Tag{
			{"e", original.ID},
			{"p", original.PubKey},
			{"kind", strconv.Itoa(original.Kind)},
			{TagSatellite, nodePubkey},
			{"url", nodeURL},
		},
	}

	for _, tag := range original.Tags {
		if safeEchoTags[tag.Name()] {
			ref.Tags = append(ref.Tags, tag)
		}
	}

	if err := identity.Sign(ref); err != nil {
		return nil, err
	}
	return ref, nil
}
