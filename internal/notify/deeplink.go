package notify

import (
	"fmt"
	"net/url"
	"strings"

	"bursar/internal/core"
)

// shareURLBase is the messaging-client endpoint the share URL targets. The
// wa.me form opens a prefilled compose window without naming a recipient.
const shareURLBase = "https://wa.me/?text="

const signatureLine = "Bursar Office"

// DeepLinkMessage is a share-ready rendering of a notification: the text a
// staff member forwards through a messaging app, and a deep-link URL that
// carries the same text URL-encoded so the client opens with it prefilled.
type DeepLinkMessage struct {
	Text string
	URL  string
}

// RenderDeepLinkMessage formats a notification for manual forwarding. The
// template is title, a banner line for urgent and critical priorities, body,
// the in-app record link when the notification has a target, and the
// signature. Rendering is pure string work; nothing here claims delivery.
func RenderDeepLinkMessage(n core.Notification, baseURL string) DeepLinkMessage {
	var b strings.Builder

	b.WriteString(n.Title)
	switch n.Priority {
	case core.PriorityCritical:
		b.WriteString("\n*** CRITICAL ***")
	case core.PriorityUrgent:
		b.WriteString("\n** URGENT **")
	}

	if n.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(n.Body)
	}

	if link := RecordLinkURL(n, baseURL); link != "" {
		b.WriteString("\n\n")
		b.WriteString(link)
	}

	b.WriteString("\n\n")
	b.WriteString(signatureLine)

	text := b.String()
	return DeepLinkMessage{Text: text, URL: shareURLBase + url.QueryEscape(text)}
}

// RecordLinkURL builds the in-app link for a notification's target, or ""
// when the notification has no target.
func RecordLinkURL(n core.Notification, baseURL string) string {
	if n.LinkType == "" || n.LinkID == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s",
		strings.TrimRight(baseURL, "/"),
		url.PathEscape(n.LinkType),
		url.PathEscape(n.LinkID))
}
