package importer

import (
	"context"
	"fmt"

	"rosterhub/pkg/domain"
	"rosterhub/pkg/mail"
)

// UserLookup resolves an owner id to the account holding the email address.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
}

// MailNotifier emails import outcomes to the owner.
type MailNotifier struct {
	users  UserLookup
	mailer mail.Mailer
}

// NewMailNotifier sends through mailer to the address users holds for each owner.
func NewMailNotifier(users UserLookup, mailer mail.Mailer) *MailNotifier {
	return &MailNotifier{users: users, mailer: mailer}
}

// ImportSucceeded mails the row count to the owner.
func (n *MailNotifier) ImportSucceeded(ctx context.Context, ownerID, fileName string, imported int) error {
	user, err := n.owner(ctx, ownerID)
	if err != nil {
		return err
	}
	msg, err := mail.ImportSucceeded(user.Email, mail.ImportData{Name: user.Name, FileName: fileName, Imported: imported})
	if err != nil {
		return err
	}
	return n.mailer.Send(ctx, msg)
}

// ImportFailed mails reason to the owner.
func (n *MailNotifier) ImportFailed(ctx context.Context, ownerID, fileName, reason string) error {
	user, err := n.owner(ctx, ownerID)
	if err != nil {
		return err
	}
	msg, err := mail.ImportFailed(user.Email, mail.ImportData{Name: user.Name, FileName: fileName, Error: reason})
	if err != nil {
		return err
	}
	return n.mailer.Send(ctx, msg)
}

func (n *MailNotifier) owner(ctx context.Context, ownerID string) (domain.User, error) {
	user, ok, err := n.users.GetUserByID(ctx, ownerID)
	if err != nil {
		return domain.User{}, domain.Infra("lookup owner", err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("owner %s: %w", ownerID, domain.ErrNotFound)
	}
	return user, nil
}
