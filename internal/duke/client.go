// Package duke is the usage-portal API layer. It maps gateway JSON into
// account, meter and usage records; all authentication concerns live in
// internal/auth and reach this package only through the Session interface.
package duke

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/gridwatt/dukeusage/internal/auth"
	"github.com/gridwatt/dukeusage/internal/logger"
	"go.uber.org/zap"
)

// Session is what the client needs from the auth layer: authenticated
// requests plus the cached identity of the logged-in user.
type Session interface {
	Do(ctx context.Context, method, url string, query url.Values) (*http.Response, error)
	Email() string
	InternalUserID() string
}

// Client queries the usage gateway for accounts, meters and energy usage.
// Account and meter listings are cached until a fresh fetch is requested.
type Client struct {
	session Session
	baseURL string

	mu       sync.Mutex
	accounts map[string]*Account
	meters   map[string]*Meter
}

// NewClient creates a gateway client on top of an authenticated session.
func NewClient(session Session, baseURL string) *Client {
	return &Client{
		session: session,
		baseURL: baseURL,
	}
}

// Accounts returns the user's billing accounts keyed by account number,
// each with its details populated. Results are cached; pass fresh to
// force a refetch.
func (c *Client) Accounts(ctx context.Context, fresh bool) (map[string]*Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountsLocked(ctx, fresh)
}

func (c *Client) accountsLocked(ctx context.Context, fresh bool) (map[string]*Account, error) {
	if c.accounts != nil && !fresh {
		return c.accounts, nil
	}

	email := c.session.Email()
	userID := c.session.InternalUserID()
	if email == "" || userID == "" {
		return nil, fmt.Errorf("session identity unknown: %w", auth.ErrNotAuthenticated)
	}

	var list accountListResponse
	if err := c.getJSON(ctx, c.baseURL+"/account-list", url.Values{
		"email":          {email},
		"internalUserID": {userID},
		"fetchFreshData": {"true"},
	}, &list); err != nil {
		return nil, err
	}

	accounts := make(map[string]*Account, len(list.Accounts))
	for i := range list.Accounts {
		account := list.Accounts[i]

		var details AccountDetails
		if err := c.getJSON(ctx, c.baseURL+"/account-details-v2", url.Values{
			"email":           {email},
			"srcSysCd":        {account.SrcSysCd},
			"srcAcctId":       {account.SrcAcctID},
			"primaryBpNumber": {account.PrimaryBpNumber},
			"relatedBpNumber": {list.RelatedBpNumber},
		}, &details); err != nil {
			return nil, err
		}

		account.Details = &details
		accounts[account.AccountNumber] = &account
	}

	c.accounts = accounts
	c.meters = nil
	return accounts, nil
}

// Meters returns every meter across the user's accounts keyed by serial
// number, each carrying its owning account with details stripped.
func (c *Client) Meters(ctx context.Context, fresh bool) (map[string]*Meter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metersLocked(ctx, fresh)
}

func (c *Client) metersLocked(ctx context.Context, fresh bool) (map[string]*Meter, error) {
	if c.meters != nil && !fresh {
		return c.meters, nil
	}

	accounts, err := c.accountsLocked(ctx, fresh)
	if err != nil {
		return nil, err
	}

	meters := make(map[string]*Meter)
	for _, account := range accounts {
		if account.Details == nil {
			continue
		}
		owner := *account
		owner.Details = nil
		for i := range account.Details.MeterInfo {
			meter := account.Details.MeterInfo[i]
			meter.Account = &owner
			meters[meter.SerialNum] = &meter
		}
	}

	c.meters = meters
	return meters, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	logger.Debug("calling gateway", zap.String("url", endpoint))

	resp, err := c.session.Do(ctx, http.MethodGet, endpoint, query)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &auth.GatewayError{Status: resp.StatusCode, Detail: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
	}
	return nil
}
