package app

import (
	"context"
	"errors"

	"castbot/internal/broadcast"
	"castbot/internal/storage"
	"castbot/internal/userclient"
	logx "castbot/pkg/logx"
)

// poolConnector opens user-client sessions for broadcast loops and keeps the
// account's connected flag in step with what Telegram reports.
type poolConnector struct {
	pool   *userclient.Pool
	store  storage.Store
	notify operatorNotifier // optional
	log    logx.Logger
}

type operatorNotifier interface {
	Notify(ctx context.Context, operatorID int64, text string)
}

func (c *poolConnector) Connect(ctx context.Context, acc storage.Account) (broadcast.Session, error) {
	sess, err := c.pool.Connect(ctx, userclient.Credentials{
		APIID:       acc.APIID,
		APIHash:     acc.APIHash,
		Phone:       acc.Phone,
		SessionPath: acc.SessionPath,
	})
	if err != nil {
		if errors.Is(err, userclient.ErrNotAuthorized) && acc.Connected {
			c.setConnected(ctx, acc, false)
			if c.notify != nil {
				c.notify.Notify(ctx, acc.OperatorID, "["+acc.Label()+"] session logged out, add the account again")
			}
		}
		return nil, err
	}
	if !acc.Connected {
		c.setConnected(ctx, acc, true)
	}
	return sess, nil
}

func (c *poolConnector) setConnected(ctx context.Context, acc storage.Account, connected bool) {
	if err := c.store.UpdateAccountProfile(ctx, acc.ID, acc.DisplayName, acc.Username, connected); err != nil {
		c.log.Warn("account connected flag not saved", logx.Int64("account_id", acc.ID), logx.Err(err))
	}
}
