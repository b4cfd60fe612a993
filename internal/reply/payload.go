// Package reply defines the deliverable reply unit produced by an agent run
// and the sanitization pipeline that turns raw agent output blocks into
// ordered, deduplicated payloads ready for channel delivery.
package reply

// Payload is one deliverable unit handed to the dispatcher.
type Payload struct {
	Text      string   `json:"text,omitempty"`
	MediaURL  string   `json:"mediaUrl,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`

	// ReplyToID is the message the payload should thread/quote against.
	// May be stripped by the per-channel reply-to-mode filter before delivery.
	ReplyToID string `json:"replyToId,omitempty"`

	// ReplyToTag marks that the reply target was requested explicitly by the
	// agent via a [[reply_to:...]] tag, as opposed to inherited routing.
	// Channels may be configured to let tagged targets pass the filter.
	ReplyToTag bool `json:"replyToTag,omitempty"`

	IsError bool `json:"isError,omitempty"`
}

// HasMedia reports whether the payload carries at least one media reference.
func (p Payload) HasMedia() bool {
	return p.MediaURL != "" || len(p.MediaURLs) > 0
}

// Empty reports whether the payload has neither text nor media.
func (p Payload) Empty() bool {
	return p.Text == "" && !p.HasMedia()
}

// AllMediaURLs flattens the single and plural media fields into one ordered
// list, the single URL first.
func (p Payload) AllMediaURLs() []string {
	if p.MediaURL == "" {
		return p.MediaURLs
	}
	urls := make([]string, 0, 1+len(p.MediaURLs))
	urls = append(urls, p.MediaURL)
	return append(urls, p.MediaURLs...)
}
