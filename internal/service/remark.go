package service

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"x-ui-provisioner/internal/model"
	"x-ui-provisioner/internal/repository"

	"gorm.io/gorm"
)

const maxCustomNameLen = 32

// sanitizeCustomName keeps letters, digits, '-' and '_' and folds spaces to
// '_'. Remarks double as panel emails, so nothing else survives.
func sanitizeCustomName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
		if b.Len() >= maxCustomNameLen {
			break
		}
	}
	return b.String()
}

func withCustomName(base, custom string) string {
	if custom = sanitizeCustomName(custom); custom != "" {
		return base + "-" + custom
	}
	return base
}

// remarkGenerator builds panel-unique remarks for one transaction.
type remarkGenerator struct {
	settings Settings
	seq      repository.SequenceAllocator
}

// generate returns a remark for a client of user placed on panelID in loc.
//
// The new scheme is {userID}-{tag}[-{custom}]. Because it is not unique when
// a user holds several clients in one location, a sequence number is added
// when the plain form is already taken on the panel. The legacy scheme is
// {prefix}-{seq}[-{custom}].
func (g *remarkGenerator) generate(ctx context.Context, tx *gorm.DB, user *model.User, loc *model.Location, panelID uint, custom string) (string, error) {
	repo := repository.NewClientRepository(tx)

	if useNewRemarkScheme(ctx, g.settings, loc) {
		remark := withCustomName(fmt.Sprintf("%d-%s", user.ID, loc.Tag), custom)
		taken, err := repo.EmailTakenOnPanel(ctx, panelID, remark)
		if err != nil {
			return "", err
		}
		if !taken {
			return remark, nil
		}
		n, err := g.seq.Next(ctx, tx, loc.ID)
		if err != nil {
			return "", err
		}
		return withCustomName(fmt.Sprintf("%d-%s-%d", user.ID, loc.Tag, n), custom), nil
	}

	n, err := g.seq.Next(ctx, tx, loc.ID)
	if err != nil {
		return "", err
	}
	return withCustomName(fmt.Sprintf("%s-%d", loc.RemarkPrefix(), n), custom), nil
}
