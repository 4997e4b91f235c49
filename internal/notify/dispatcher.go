// Package notify delivers outbound invitation notifications over mail and
// chat. Delivery is fire-and-forget: failures are logged and never surface
// to the workflow that triggered them.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/socialens/socialens/internal/domain"
)

const dispatchTimeout = 15 * time.Second

// Dispatcher fans invitation events out to the configured channels.
type Dispatcher struct {
	mailer        Mailer
	telegram      *Telegram
	inviteBaseURL string
	logger        *slog.Logger
}

// NewDispatcher constructs a Dispatcher. Either channel may be nil.
func NewDispatcher(mailer Mailer, telegram *Telegram, inviteBaseURL string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		mailer:        mailer,
		telegram:      telegram,
		inviteBaseURL: strings.TrimRight(strings.TrimSpace(inviteBaseURL), "/"),
		logger:        logger,
	}
}

// InvitationCreated delivers the invite link to the recipient and mirrors
// the event to the ops chat. Runs in the background; the caller returns
// immediately.
func (d *Dispatcher) InvitationCreated(invitation domain.Invitation, teamName string) {
	link := d.inviteBaseURL + "/" + invitation.Token
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()

		if d.mailer != nil {
			subject := fmt.Sprintf("You have been invited to %s on Socialens", teamName)
			body := fmt.Sprintf("You were invited to join the %q workspace as %s.\n\nAccept the invitation:\n%s\n\nThe link expires %s.",
				teamName, invitation.RoleName, link, invitation.ExpiresAt.Format(time.RFC1123))
			if err := d.mailer.Send(ctx, invitation.Email, subject, body); err != nil {
				d.logger.Warn("invitation mail delivery failed", "email", invitation.Email, "team_id", invitation.TeamID, "error", err)
			}
		}
		if d.telegram != nil {
			text := fmt.Sprintf("Invitation sent: %s -> %s (%s)", invitation.Email, teamName, invitation.RoleName)
			if err := d.telegram.Send(ctx, text); err != nil {
				d.logger.Warn("invitation chat notification failed", "team_id", invitation.TeamID, "error", err)
			}
		}
	}()
}
