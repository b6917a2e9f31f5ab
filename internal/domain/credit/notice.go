package credit

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
)

// noticeSentKey marks grants whose expiry notice has already gone out.
const noticeSentKey = "expiry_notice_sent_at"

// Mailer delivers one HTML email.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Recipient is what the ledger needs to know about a user to notify them.
type Recipient struct {
	Email string
	Name  string
}

// ErrRecipientNotFound is returned by a UserDirectory for unknown users.
var ErrRecipientNotFound = errors.New("recipient not found")

// UserDirectory resolves users to notification recipients.
type UserDirectory interface {
	Recipient(ctx context.Context, userID int64) (Recipient, error)
}

const defaultNoticeSubject = "Your {site_name} credits are expiring soon"

const defaultNoticeTemplate = `<p>Hi {user_name},</p>
<p>The following {site_name} credits on your account will expire soon:</p>
{credit_list}
<p>Use them before they expire: <a href="{credits_page_url}">{credits_page_url}</a></p>`

// NoticeTemplate renders expiry notices. Placeholders: {site_name},
// {user_name}, {credit_list}, {credits_page_url}.
type NoticeTemplate struct {
	Subject        string
	Body           string
	SiteName       string
	CreditsPageURL string
}

// Render builds the subject and body for one user's expiring grants.
func (t NoticeTemplate) Render(registry *Registry, userName string, grants []Grant) (string, string) {
	subject := t.Subject
	if subject == "" {
		subject = defaultNoticeSubject
	}
	body := t.Body
	if body == "" {
		body = defaultNoticeTemplate
	}

	// the subject is plain text; only the body is HTML
	subjectReplacer := strings.NewReplacer(
		"{site_name}", t.SiteName,
		"{user_name}", userName,
	)
	bodyReplacer := strings.NewReplacer(
		"{site_name}", html.EscapeString(t.SiteName),
		"{user_name}", html.EscapeString(userName),
		"{credit_list}", creditList(registry, grants),
		"{credits_page_url}", html.EscapeString(t.CreditsPageURL),
	)
	return subjectReplacer.Replace(subject), bodyReplacer.Replace(body)
}

func creditList(registry *Registry, grants []Grant) string {
	var b strings.Builder
	b.WriteString("<ul>")
	for i := range grants {
		g := grants[i]
		expires := ""
		if g.ExpirationDate != nil {
			expires = g.ExpirationDate.Format("January 2, 2006")
		}
		fmt.Fprintf(&b, "<li>%s %s: expires %s</li>",
			g.Remaining().StringFixedBank(2),
			html.EscapeString(registry.DisplayName(g.CreditType)),
			expires,
		)
	}
	b.WriteString("</ul>")
	return b.String()
}

// noticeSent reports whether g already carries an expiry notice marker.
func noticeSent(g Grant) bool {
	_, ok := g.Meta[noticeSentKey]
	return ok
}

// groupByUser keeps the first-seen order of users.
func groupByUser(grants []Grant) ([]int64, map[int64][]Grant) {
	order := make([]int64, 0)
	byUser := make(map[int64][]Grant)
	for _, g := range grants {
		if _, ok := byUser[g.UserID]; !ok {
			order = append(order, g.UserID)
		}
		byUser[g.UserID] = append(byUser[g.UserID], g)
	}
	return order, byUser
}

func noticeMarker(now time.Time) Meta {
	return Meta{noticeSentKey: now.Format(time.RFC3339)}
}
